package memory_test

import (
	"testing"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/memory"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/repotest"
)

func TestStoreConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store {
		return memory.New()
	})
}
