package kv

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/kvhost/rpc/common"
)

func TestParseBatchOps(t *testing.T) {
	ops, err := parseBatchOps([]string{"put:a=1", "put:b=", "del:c", "put:d=x=y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []common.BatchOp{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("")},
		{Delete: true, Key: []byte("c")},
		{Key: []byte("d"), Value: []byte("x=y")},
	}
	if !reflect.DeepEqual(ops, want) {
		t.Errorf("got %+v, want %+v", ops, want)
	}
}

func TestParseBatchOpsRejectsInvalid(t *testing.T) {
	for _, arg := range []string{"a=1", "put:", "put:=1", "put:a", "del:", "set:a=1"} {
		if _, err := parseBatchOps([]string{arg}); err == nil {
			t.Errorf("expected an error for %q", arg)
		}
	}
}
