package memstore

import (
	"testing"

	"github.com/ggoodman/chatfanout/store"
	"github.com/ggoodman/chatfanout/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) store.Store { return New() })
}
