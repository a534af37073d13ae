package memkv_test

import (
	"fmt"
	"time"

	"github.com/resolvingarchitecture/ra-common/pkg/memkv"
)

func Example_basic() {
	s := memkv.New(memkv.Options{})
	defer s.Close()

	s.Set("peer/alice", []byte("tcp://10.0.0.1:7000"), 500*time.Millisecond)

	v, _ := s.Get("peer/alice")
	fmt.Println(string(v))

	v2, _ := s.GetDel("peer/alice")
	fmt.Println(string(v2))

	fmt.Println(s.Exists("peer/alice"))

	// Output:
	// tcp://10.0.0.1:7000
	// tcp://10.0.0.1:7000
	// false
}
