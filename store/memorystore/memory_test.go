package memorystore

import (
	"testing"

	"github.com/chatrelay/chatrelay/store"
	"github.com/chatrelay/chatrelay/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}
