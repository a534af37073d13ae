package registry

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/memkv"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
)

// Info is the directory record of a hosted service.
type Info struct {
	Name      string               `json:"name"`
	Status    status.ServiceStatus `json:"status"`
	Since     time.Time            `json:"since"`
	DependsOn []string             `json:"depends_on,omitempty"`
	Handled   uint64               `json:"handled"`
	Failed    uint64               `json:"failed"`
}

const keyPrefix = "svc/"

func keyService(name string) string { return keyPrefix + name }

// directory mirrors service records into memkv so status readers never
// touch the handles.
type directory struct {
	kv *memkv.Store
}

func (d directory) put(info Info) {
	b, err := json.Marshal(info)
	if err != nil {
		zap.L().Warn("registry encode", zap.String("service", info.Name), zap.Error(err))
		return
	}
	d.kv.Set(keyService(info.Name), b, 0)
}

// edit applies fn to the stored record of name, if any.
func (d directory) edit(name string, fn func(*Info)) {
	d.kv.Update(keyService(name), func(old []byte) []byte {
		var info Info
		if err := json.Unmarshal(old, &info); err != nil {
			return old
		}
		fn(&info)
		b, err := json.Marshal(info)
		if err != nil {
			return old
		}
		return b
	})
}

func (d directory) get(name string) (Info, bool) {
	b, ok := d.kv.Get(keyService(name))
	if !ok {
		return Info{}, false
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return Info{}, false
	}
	return info, true
}

func (d directory) drop(name string) { d.kv.Delete(keyService(name)) }

func (d directory) list() []Info {
	var out []Info
	d.kv.Scan(keyPrefix, func(k string, v []byte) bool {
		var info Info
		if err := json.Unmarshal(v, &info); err == nil && info.Name == strings.TrimPrefix(k, keyPrefix) {
			out = append(out, info)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
