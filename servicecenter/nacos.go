package servicecenter

import (
	"context"
	"fmt"

	"github.com/nacos-group/nacos-sdk-go/clients"
	"github.com/nacos-group/nacos-sdk-go/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/common/constant"
	"github.com/nacos-group/nacos-sdk-go/vo"

	"harrier/constants"
	"harrier/registrycenter"
)

var _ ServiceCenter = (*nacosServiceCenter)(nil)

func newNacosServiceCenter(serverLists string) (ServiceCenter, error) {
	clientConfig := constant.ClientConfig{
		TimeoutMs:           5000,
		NotLoadCacheAtStart: true,
		RotateTime:          "1h",
		MaxAge:              3,
		LogLevel:            "warn",
	}

	serverConfigs, err := registrycenter.ServerConfigs(serverLists)
	if err != nil {
		return nil, err
	}

	namingClient, err := clients.NewNamingClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create nacos naming client: %w", err)
	}

	return &nacosServiceCenter{namingClient: namingClient}, nil
}

type nacosServiceCenter struct {
	namingClient naming_client.INamingClient
}

func (n *nacosServiceCenter) Register(ctx context.Context, service string, instance Instance) error {
	metadata := map[string]string{"app": constants.K8S_APP_LABEL}
	for k, v := range instance.Metadata {
		metadata[k] = v
	}
	ok, err := n.namingClient.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          instance.Ip,
		Port:        instance.Port,
		ServiceName: service,
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    metadata,
		GroupName:   constants.NACOS_GROUP,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("nacos refused to register %s in %s", instance.Addr(), service)
	}
	return nil
}

func (n *nacosServiceCenter) Deregister(ctx context.Context, service string, instance Instance) error {
	_, err := n.namingClient.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          instance.Ip,
		Port:        instance.Port,
		ServiceName: service,
		Ephemeral:   true,
		GroupName:   constants.NACOS_GROUP,
	})
	return err
}

func (n *nacosServiceCenter) GetService(ctx context.Context, name string) (Service, error) {
	service, err := n.namingClient.GetService(vo.GetServiceParam{
		ServiceName: name,
		GroupName:   constants.NACOS_GROUP,
	})
	if err != nil {
		return Service{}, err
	}
	instances := []Instance{}
	for _, i := range service.Hosts {
		instances = append(instances, Instance{
			Ip:       i.Ip,
			Port:     i.Port,
			Healthy:  i.Healthy,
			Metadata: i.Metadata,
		})
	}
	sortHosts(instances)
	return Service{
		Name:  name,
		Hosts: instances,
	}, nil
}
