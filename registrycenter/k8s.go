package registrycenter

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"harrier/constants"
	"harrier/proto"
)

var _ RegistryCenter = (*k8sRegistryCenter)(nil)

// newK8sRegistryCenterFromConfig treats ServerLists as the API server URL.
// An empty value falls back to KUBECONFIG or the in-cluster config.
func newK8sRegistryCenterFromConfig(config proto.RegistryCenterConfig) (RegistryCenter, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags(config.ServerLists, os.Getenv("KUBECONFIG"))
	if err != nil {
		return nil, fmt.Errorf("build k8s config: %w", err)
	}
	clientSet, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("build k8s client: %w", err)
	}
	return NewK8s(clientSet, constants.K8S_NAMESPACE), nil
}

// NewK8s stores every registry key as one ConfigMap in namespace.
func NewK8s(client kubernetes.Interface, namespace string) RegistryCenter {
	if namespace == "" {
		namespace = constants.K8S_NAMESPACE
	}
	return &k8sRegistryCenter{client: client, namespace: namespace}
}

type k8sRegistryCenter struct {
	client    kubernetes.Interface
	namespace string
}

// configMapName hashes the key: registry paths are not valid object names.
func configMapName(key string) string {
	sum := sha1.Sum([]byte(key))
	return constants.K8S_APP_LABEL + "-" + hex.EncodeToString(sum[:])
}

func (k *k8sRegistryCenter) selector() string {
	return labels.Set{"app": constants.K8S_APP_LABEL}.String()
}

func (k *k8sRegistryCenter) configMap(key, value string) *v1.ConfigMap {
	return &v1.ConfigMap{
		TypeMeta: metav1.TypeMeta{
			Kind:       "ConfigMap",
			APIVersion: "v1",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      configMapName(key),
			Namespace: k.namespace,
			Labels:    map[string]string{"app": constants.K8S_APP_LABEL},
		},
		Data: map[string]string{
			constants.K8S_CONFIGMAP_KEY:         key,
			constants.K8S_CONFIGMAP_CONTENT_KEY: value,
		},
	}
}

func (k *k8sRegistryCenter) Get(ctx context.Context, key string) (string, error) {
	cm, err := k.client.CoreV1().ConfigMaps(k.namespace).Get(ctx, configMapName(key), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return cm.Data[constants.K8S_CONFIGMAP_CONTENT_KEY], nil
}

func (k *k8sRegistryCenter) Put(ctx context.Context, key, value string) error {
	api := k.client.CoreV1().ConfigMaps(k.namespace)
	cm, err := api.Get(ctx, configMapName(key), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = api.Create(ctx, k.configMap(key, value), metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return k.Put(ctx, key, value)
		}
		return err
	}
	if err != nil {
		return err
	}
	if cm.Data == nil {
		cm.Data = make(map[string]string)
	}
	cm.Data[constants.K8S_CONFIGMAP_KEY] = key
	cm.Data[constants.K8S_CONFIGMAP_CONTENT_KEY] = value
	_, err = api.Update(ctx, cm, metav1.UpdateOptions{})
	return err
}

func (k *k8sRegistryCenter) Create(ctx context.Context, key, value string) error {
	_, err := k.client.CoreV1().ConfigMaps(k.namespace).Create(ctx, k.configMap(key, value), metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return ErrExists
	}
	return err
}

func (k *k8sRegistryCenter) Delete(ctx context.Context, key string) error {
	all, err := k.List(ctx, key)
	if err != nil {
		return err
	}
	api := k.client.CoreV1().ConfigMaps(k.namespace)
	for name := range all {
		if !isBelow(name, key) {
			continue
		}
		err := api.Delete(ctx, configMapName(name), metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (k *k8sRegistryCenter) List(ctx context.Context, prefix string) (map[string]string, error) {
	list, err := k.client.CoreV1().ConfigMaps(k.namespace).List(ctx, metav1.ListOptions{LabelSelector: k.selector()})
	if err != nil {
		return nil, err
	}
	ret := make(map[string]string)
	for _, cm := range list.Items {
		key := cm.Data[constants.K8S_CONFIGMAP_KEY]
		if strings.HasPrefix(key, prefix) {
			ret[key] = cm.Data[constants.K8S_CONFIGMAP_CONTENT_KEY]
		}
	}
	return ret, nil
}

func (k *k8sRegistryCenter) Watch(ctx context.Context, prefix string, handler func(Event)) error {
	api := k.client.CoreV1().ConfigMaps(k.namespace)
	watcher, err := api.Watch(ctx, metav1.ListOptions{LabelSelector: k.selector()})
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				watcher.Stop()
				return
			case e, ok := <-watcher.ResultChan():
				if !ok {
					// the API server closes long running watches, open a new one
					for {
						watcher, err = api.Watch(ctx, metav1.ListOptions{LabelSelector: k.selector()})
						if err == nil {
							break
						}
						select {
						case <-ctx.Done():
							return
						case <-time.After(time.Second):
						}
					}
					continue
				}
				cm, isConfigMap := e.Object.(*v1.ConfigMap)
				if !isConfigMap {
					continue
				}
				key := cm.Data[constants.K8S_CONFIGMAP_KEY]
				if !strings.HasPrefix(key, prefix) {
					continue
				}
				switch e.Type {
				case watch.Added, watch.Modified:
					handler(Event{Type: EventPut, Key: key, Value: cm.Data[constants.K8S_CONFIGMAP_CONTENT_KEY]})
				case watch.Deleted:
					handler(Event{Type: EventDelete, Key: key})
				}
			}
		}
	}()
	return nil
}

func (k *k8sRegistryCenter) Close() error {
	return nil
}
