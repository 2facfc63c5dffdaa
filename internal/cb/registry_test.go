package cb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func fakeFactory(typ string) Factory {
	return func(context.Context, Parameters) (Backend, error) {
		return newFakeBackend(typ), nil
	}
}

// TestRegistryRegisterAndCreate tests the basic register/create cycle
func TestRegistryRegisterAndCreate(t *testing.T) {
	reg := NewRegistry()
	reg.Register("fake", fakeFactory("fake"))

	if !reg.IsRegistered("fake") {
		t.Fatal("Expected fake to be registered")
	}
	if reg.IsRegistered("Fake") {
		t.Error("Type names must be case-sensitive")
	}

	backend, err := reg.Create(context.Background(), Parameters{KeyType: "fake"})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	if backend.Type() != "fake" {
		t.Errorf("Expected type 'fake', got %s", backend.Type())
	}
}

// TestRegistryUnknownType tests creation of an unregistered type
func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Create(context.Background(), Parameters{KeyType: "oracle"})
	var unknown *UnknownBackendTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("Expected UnknownBackendTypeError, got %v", err)
	}
	if unknown.Type != "oracle" {
		t.Errorf("Expected type 'oracle' in error, got %s", unknown.Type)
	}
}

// TestRegistryReplacement tests that registering twice keeps the last
// factory
func TestRegistryReplacement(t *testing.T) {
	reg := NewRegistry()
	reg.Register("postgresql", fakeFactory("first"))
	reg.Register("postgresql", fakeFactory("second"))

	backend, err := reg.Create(context.Background(), Parameters{KeyType: "postgresql"})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	if backend.Type() != "second" {
		t.Errorf("Expected the replacing factory to be used, got %s", backend.Type())
	}

	reg.Unregister("postgresql")
	reg.Unregister("postgresql")
	if reg.IsRegistered("postgresql") {
		t.Error("Expected postgresql to be unregistered")
	}
}

// TestRegistryFactoryErrors tests how factory failures are classified
func TestRegistryFactoryErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{
			name: "plain error becomes connection error",
			err:  errors.New("connection refused"),
			check: func(err error) bool {
				return IsConnectionError(err)
			},
		},
		{
			name: "malformed parameter passes through",
			err:  &MalformedAccessStringError{Reason: "port: bad"},
			check: func(err error) bool {
				var malformed *MalformedAccessStringError
				return errors.As(err, &malformed) && !IsConnectionError(err)
			},
		},
		{
			name: "validation error passes through",
			err:  &ValidationError{Field: "server-tag", Reason: "too long"},
			check: func(err error) bool {
				var invalid *ValidationError
				return errors.As(err, &invalid) && !IsConnectionError(err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			reg.Register("broken", func(context.Context, Parameters) (Backend, error) {
				return nil, tt.err
			})

			_, err := reg.Create(context.Background(), Parameters{KeyType: "broken"})
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !tt.check(err) {
				t.Errorf("Unexpected classification: %T %v", err, err)
			}
		})
	}
}

// TestRegistryFactoryGetsCopy tests that factories cannot alter the
// caller's parameters
func TestRegistryFactoryGetsCopy(t *testing.T) {
	reg := NewRegistry()
	reg.Register("fake", func(_ context.Context, p Parameters) (Backend, error) {
		p[KeyHost] = "mutated"
		return newFakeBackend("fake"), nil
	})

	params := Parameters{KeyType: "fake"}
	if _, err := reg.Create(context.Background(), params); err != nil {
		t.Fatal(err)
	}
	if _, ok := params[KeyHost]; ok {
		t.Error("Factory mutated the caller's parameters")
	}
}

// TestRegistryTypes tests the sorted listing
func TestRegistryTypes(t *testing.T) {
	reg := NewRegistry()
	for _, typ := range []string{"redis", "mysql", "postgresql", "bolt"} {
		reg.Register(typ, fakeFactory(typ))
	}

	want := []string{"bolt", "mysql", "postgresql", "redis"}
	got := reg.Types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

// TestRegistryConcurrentAccess tests concurrent register/unregister/create
func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stable", fakeFactory("stable"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			typ := fmt.Sprintf("type-%d", i)
			for j := 0; j < 100; j++ {
				reg.Register(typ, fakeFactory(typ))
				reg.Unregister(typ)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := reg.Create(context.Background(), Parameters{KeyType: "stable"}); err != nil {
					t.Errorf("Create failed: %v", err)
					return
				}
				_ = reg.Types()
			}
		}()
	}
	wg.Wait()

	if got := reg.Types(); len(got) != 1 || got[0] != "stable" {
		t.Errorf("Expected only 'stable' to remain, got %v", got)
	}
}

func TestDefaultRegistry(t *testing.T) {
	if DefaultRegistry() != DefaultRegistry() {
		t.Error("Expected a single process-wide registry")
	}
}
