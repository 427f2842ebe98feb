package executor

import (
	"context"
	"os"
	"testing"
	"time"

	"edusandbox/model"

	"github.com/testcontainers/testcontainers-go"
)

func dockerAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return provider.Health(context.Background()) == nil
}

// The worker image is built from this repository; set WORKERIMAGE to run
// against a different tag.
func TestContainerManagerSpawn_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if !dockerAvailable() {
		t.Skip("skipping container integration test: docker not available")
	}
	image := os.Getenv("WORKERIMAGE")
	if image == "" {
		image = "edusandbox/worker"
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cm, err := NewContainerManager(ContainerConfig{Image: image, MemoryMB: 256, NanoCPUs: 1_000_000_000}, nil)
	if err != nil {
		t.Skipf("skipping container integration test: %v", err)
	}
	defer cm.Shutdown()

	exists, err := cm.ImageExists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Skipf("skipping container integration test: image %s not built", image)
	}

	tr, err := cm.Spawn(ctx)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if cm.ContainerCount() != 1 {
		t.Fatalf("ContainerCount = %d", cm.ContainerCount())
	}

	frame, _ := model.EncodeCommand(model.Command{Type: model.TypeInit})
	if err := tr.Send(frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case frame := <-tr.Frames():
		msg, err := model.DecodeMessage(frame)
		if err != nil || msg.Type != model.TypeInitReady {
			t.Fatalf("first message %+v, %v", msg, err)
		}
	case <-ctx.Done():
		t.Fatal("no initReady from worker container")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if cm.ContainerCount() != 0 {
		t.Fatalf("ContainerCount after close = %d", cm.ContainerCount())
	}
}
