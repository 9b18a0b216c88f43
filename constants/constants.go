package constants

const (
	NACOS_GROUP               = "harrier"
	K8S_NAMESPACE             = "default"
	K8S_CONFIGMAP_KEY         = "key"
	K8S_CONFIGMAP_CONTENT_KEY = "content"
	K8S_NAMESPACE_LABEL       = "harrier/namespace"
	K8S_APP_LABEL             = "harrier"

	COORDINATOR_SERVICE = "harrier-coordinator"
	DEFAULT_NAMESPACE   = "harrier"
	INSTANCE_DELIMITER  = "@-@"

	DEFAULT_EXECUTOR          = "http_executor"
	DEFAULT_SHARDING_STRATEGY = "average"
)
