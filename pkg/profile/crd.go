package profile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
)

// StageProfileGVR is the custom resource holding one stage's profile.
var StageProfileGVR = schema.GroupVersionResource{
	Group:    "tuner.serverless.io",
	Version:  "v1alpha1",
	Resource: "profiles",
}

const (
	crdAPIVersion = "tuner.serverless.io/v1alpha1"
	crdKind       = "StageProfile"
	crdTimeout    = 10 * time.Second
)

// ResourceName maps a stage id onto a DNS-1123 object name. Ids that had to
// be rewritten get a short hash of the original id appended.
func ResourceName(stageID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(stageID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-.")
	if name == "" {
		name = "stage"
	}
	if name == stageID && len(name) <= 253 {
		return name
	}
	sum := sha256.Sum256([]byte(stageID))
	suffix := "-" + hex.EncodeToString(sum[:4])
	if len(name) > 253-len(suffix) {
		name = strings.TrimRight(name[:253-len(suffix)], "-.")
	}
	return name + suffix
}

func toUnstructuredProfile(sp v1alpha1.StageProfile) (map[string]interface{}, error) {
	data, err := json.Marshal(sp)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromUnstructuredProfile(m map[string]interface{}) (v1alpha1.StageProfile, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return UnmarshalStageProfile(data)
}

func (s *Store) object(namespace, stageID string, sp v1alpha1.StageProfile, resourceVersion string) (*unstructured.Unstructured, error) {
	profileMap, err := toUnstructuredProfile(sp)
	if err != nil {
		return nil, err
	}
	metadata := map[string]interface{}{
		"name":      ResourceName(stageID),
		"namespace": namespace,
	}
	if resourceVersion != "" {
		metadata["resourceVersion"] = resourceVersion
	}
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": crdAPIVersion,
			"kind":       crdKind,
			"metadata":   metadata,
			"spec": map[string]interface{}{
				"stageId": stageID,
				"profile": profileMap,
			},
		},
	}, nil
}

// SaveToCRD creates or updates one StageProfile object per stage. Per-object
// failures are logged and skipped; the count of written objects is returned.
func (s *Store) SaveToCRD(ctx context.Context, client dynamic.Interface, namespace string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, crdTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	res := client.Resource(StageProfileGVR).Namespace(namespace)
	saved := 0
	for id, sp := range s.profiles {
		name := ResourceName(id)
		existing, err := res.Get(ctx, name, metav1.GetOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			klog.V(4).Infof("Get StageProfile %s failed: %v", name, err)
			crdSyncs.WithLabelValues("get", "error").Inc()
			continue
		}

		found := err == nil
		var rv string
		if found {
			rv = existing.GetResourceVersion()
		}
		obj, err := s.object(namespace, id, sp, rv)
		if err != nil {
			return saved, fmt.Errorf("encode profile %s: %w", id, err)
		}

		if !found {
			_, err = res.Create(ctx, obj, metav1.CreateOptions{})
			if err != nil {
				klog.V(4).Infof("Create StageProfile %s failed: %v", name, err)
				crdSyncs.WithLabelValues("create", "error").Inc()
				continue
			}
			crdSyncs.WithLabelValues("create", "ok").Inc()
		} else {
			_, err = res.Update(ctx, obj, metav1.UpdateOptions{})
			if apierrors.IsConflict(err) {
				klog.V(4).Infof("Update conflict for %s, will retry next save", name)
				crdSyncs.WithLabelValues("update", "conflict").Inc()
				continue
			}
			if err != nil {
				klog.V(4).Infof("Update StageProfile %s failed: %v", name, err)
				crdSyncs.WithLabelValues("update", "error").Inc()
				continue
			}
			crdSyncs.WithLabelValues("update", "ok").Inc()
		}
		saved++
	}

	klog.V(3).Infof("Saved %d stage profiles to %s/%s", saved, namespace, StageProfileGVR.Resource)
	return saved, nil
}

// LoadFromCRD reads every StageProfile object in namespace into the store.
func (s *Store) LoadFromCRD(ctx context.Context, client dynamic.Interface, namespace string) error {
	ctx, cancel := context.WithTimeout(ctx, crdTimeout)
	defer cancel()

	list, err := client.Resource(StageProfileGVR).Namespace(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list stage profiles: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, item := range list.Items {
		id, _, _ := unstructured.NestedString(item.Object, "spec", "stageId")
		if id == "" {
			id = item.GetName()
		}
		profileMap, found, err := unstructured.NestedMap(item.Object, "spec", "profile")
		if err != nil || !found {
			klog.V(4).Infof("StageProfile %s has no profile", item.GetName())
			continue
		}
		sp, err := fromUnstructuredProfile(profileMap)
		if err != nil {
			klog.V(4).Infof("Decode StageProfile %s failed: %v", item.GetName(), err)
			continue
		}
		s.profiles[id] = sp
		loaded++
	}

	klog.Infof("Loaded %d stage profiles from %s/%s", loaded, namespace, StageProfileGVR.Resource)
	return nil
}
