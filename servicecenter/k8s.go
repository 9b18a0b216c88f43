package servicecenter

import (
	"context"
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"harrier/constants"
)

var _ ServiceCenter = (*k8sServiceCenter)(nil)

func newK8sServiceCenterFromConfig(apiServer string) (ServiceCenter, error) {
	config, err := clientcmd.BuildConfigFromFlags(apiServer, os.Getenv("KUBECONFIG"))
	if err != nil {
		return nil, fmt.Errorf("build k8s config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("build k8s client: %w", err)
	}
	return NewK8s(clientset, constants.K8S_NAMESPACE), nil
}

// NewK8s discovers peers as the pods labelled app=<service>. Pods are placed
// by the cluster, so Register and Deregister do nothing.
func NewK8s(client kubernetes.Interface, namespace string) ServiceCenter {
	if namespace == "" {
		namespace = constants.K8S_NAMESPACE
	}
	return &k8sServiceCenter{clientSet: client, namespace: namespace}
}

type k8sServiceCenter struct {
	clientSet kubernetes.Interface
	namespace string
}

func (k *k8sServiceCenter) Register(ctx context.Context, service string, instance Instance) error {
	return nil
}

func (k *k8sServiceCenter) Deregister(ctx context.Context, service string, instance Instance) error {
	return nil
}

func (k *k8sServiceCenter) GetService(ctx context.Context, name string) (Service, error) {
	api := k.clientSet.CoreV1()

	labelSelector := v1.LabelSelector{MatchLabels: map[string]string{"app": name}}
	listOptions := v1.ListOptions{LabelSelector: labels.Set(labelSelector.MatchLabels).String()}

	serviceList, err := api.Services(k.namespace).List(ctx, listOptions)
	if err != nil {
		return Service{}, err
	}
	if len(serviceList.Items) == 0 || len(serviceList.Items[0].Spec.Ports) == 0 {
		return Service{}, fmt.Errorf("service with label: 'app: %s' not found", name)
	}
	port := uint64(serviceList.Items[0].Spec.Ports[0].Port)

	podList, err := api.Pods(k.namespace).List(ctx, listOptions)
	if err != nil {
		return Service{}, err
	}

	hosts := []Instance{}
	for _, p := range podList.Items {
		if p.Status.PodIP == "" {
			continue
		}
		hosts = append(hosts, Instance{
			Ip:       p.Status.PodIP,
			Port:     port,
			Healthy:  podReady(p),
			Metadata: map[string]string{"pod": p.Name},
		})
	}
	sortHosts(hosts)
	return Service{Name: name, Hosts: hosts}, nil
}

func podReady(p corev1.Pod) bool {
	if p.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}
