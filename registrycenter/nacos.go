package registrycenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nacos-group/nacos-sdk-go/clients"
	"github.com/nacos-group/nacos-sdk-go/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/common/constant"
	"github.com/nacos-group/nacos-sdk-go/vo"
	"github.com/tidwall/gjson"

	"harrier/constants"
	"harrier/proto"
)

var _ RegistryCenter = (*nacosRegistryCenter)(nil)

const nacosPollInterval = 2 * time.Second

// ServerConfigs parses "host:port,host:port" into nacos server configs.
func ServerConfigs(serverLists string) ([]constant.ServerConfig, error) {
	var configs []constant.ServerConfig
	for _, addr := range strings.Split(serverLists, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		host, port := addr, uint64(8848)
		if i := strings.LastIndex(addr, ":"); i > 0 {
			p, err := strconv.ParseUint(addr[i+1:], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid nacos address %q: %w", addr, err)
			}
			host, port = addr[:i], p
		}
		configs = append(configs, constant.ServerConfig{
			IpAddr:      host,
			ContextPath: "/nacos",
			Port:        port,
			Scheme:      "http",
		})
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("empty nacos server list")
	}
	return configs, nil
}

func newNacosRegistryCenter(config proto.RegistryCenterConfig) (RegistryCenter, error) {
	serverConfigs, err := ServerConfigs(config.ServerLists)
	if err != nil {
		return nil, err
	}
	clientConfig := constant.ClientConfig{
		TimeoutMs:           5000,
		NotLoadCacheAtStart: true,
		RotateTime:          "1h",
		MaxAge:              3,
		LogLevel:            "warn",
	}

	configClient, err := clients.NewConfigClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create nacos config client: %w", err)
	}

	return &nacosRegistryCenter{configClient: configClient, group: constants.NACOS_GROUP}, nil
}

// nacosRegistryCenter 将每个键存为一个配置项, 内容为 {"key":..., "value":...}
type nacosRegistryCenter struct {
	configClient config_client.IConfigClient
	group        string
}

type nacosEnvelope struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// dataID maps a key onto the characters nacos accepts in a data id.
func dataID(key string) string {
	var b strings.Builder
	for _, r := range strings.TrimPrefix(key, "/") {
		switch {
		case r == '/':
			b.WriteRune('.')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == ':':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (n *nacosRegistryCenter) Get(ctx context.Context, key string) (string, error) {
	content, err := n.configClient.GetConfig(vo.ConfigParam{
		DataId: dataID(key),
		Group:  n.group,
	})
	if err != nil {
		return "", err
	}
	if content == "" || gjson.Get(content, "key").String() != key {
		return "", ErrNotFound
	}
	return gjson.Get(content, "value").String(), nil
}

func (n *nacosRegistryCenter) Put(ctx context.Context, key, value string) error {
	content, err := json.Marshal(nacosEnvelope{Key: key, Value: value})
	if err != nil {
		return err
	}
	ok, err := n.configClient.PublishConfig(vo.ConfigParam{
		DataId:  dataID(key),
		Group:   n.group,
		Content: string(content),
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("nacos refused to publish %s", key)
	}
	return nil
}

// Create is check-then-publish: nacos v1 has no put-if-absent.
func (n *nacosRegistryCenter) Create(ctx context.Context, key, value string) error {
	_, err := n.Get(ctx, key)
	if err == nil {
		return ErrExists
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return n.Put(ctx, key, value)
}

func (n *nacosRegistryCenter) Delete(ctx context.Context, key string) error {
	all, err := n.List(ctx, key)
	if err != nil {
		return err
	}
	for k := range all {
		if !isBelow(k, key) {
			continue
		}
		if _, err := n.configClient.DeleteConfig(vo.ConfigParam{DataId: dataID(k), Group: n.group}); err != nil {
			return err
		}
	}
	return nil
}

func (n *nacosRegistryCenter) List(ctx context.Context, prefix string) (map[string]string, error) {
	ret := make(map[string]string)
	pageSize := 100
	for pageNo := 1; ; pageNo++ {
		page, err := n.configClient.SearchConfig(vo.SearchConfigParam{
			Search:   "blur",
			DataId:   dataID(prefix) + "*",
			Group:    n.group,
			PageNo:   pageNo,
			PageSize: pageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.PageItems {
			key := gjson.Get(item.Content, "key").String()
			if strings.HasPrefix(key, prefix) {
				ret[key] = gjson.Get(item.Content, "value").String()
			}
		}
		if pageNo*pageSize >= page.TotalCount || len(page.PageItems) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// Watch polls the prefix and diffs snapshots: nacos listeners are per data id.
func (n *nacosRegistryCenter) Watch(ctx context.Context, prefix string, handler func(Event)) error {
	last, err := n.List(ctx, prefix)
	if err != nil {
		return err
	}
	go func() {
		ticker := time.NewTicker(nacosPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current, err := n.List(ctx, prefix)
				if err != nil {
					continue
				}
				for _, e := range diff(last, current) {
					handler(e)
				}
				last = current
			}
		}
	}()
	return nil
}

func (n *nacosRegistryCenter) Close() error {
	return nil
}

// diff returns the events turning before into after, puts first, in key order.
func diff(before, after map[string]string) []Event {
	var events []Event
	for _, k := range sortedKeys(after) {
		if old, ok := before[k]; !ok || old != after[k] {
			events = append(events, Event{Type: EventPut, Key: k, Value: after[k]})
		}
	}
	for _, k := range sortedKeys(before) {
		if _, ok := after[k]; !ok {
			events = append(events, Event{Type: EventDelete, Key: k})
		}
	}
	return events
}
