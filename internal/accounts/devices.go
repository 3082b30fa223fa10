package accounts

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/bardlex/quarry/internal/database/postgres"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/errors"
	"github.com/bardlex/quarry/pkg/log"
)

// ErrIncompleteDevice is returned for a descriptor missing its OS or CPU.
var ErrIncompleteDevice = stderrors.New("incomplete device descriptor")

// DeviceRegistry records the host each mining key connects from.
type DeviceRegistry struct {
	store  DeviceStore
	logger *log.Logger
}

// NewDeviceRegistry creates a DeviceRegistry.
func NewDeviceRegistry(store DeviceStore, logger *log.Logger) *DeviceRegistry {
	return &DeviceRegistry{store: store, logger: logger.WithComponent("devices")}
}

// RecordDevice implements protocol.DeviceRegistry.
func (r *DeviceRegistry) RecordDevice(ctx context.Context, device wire.DeviceDescriptor, credential string) error {
	osName, cpu := strings.TrimSpace(device.OS), strings.TrimSpace(device.CPUModel)
	if osName == "" || cpu == "" {
		return errors.Wrap(ErrIncompleteDevice, errors.ErrorTypeValidation, "record_device", "descriptor rejected")
	}

	dev := &postgres.Device{
		KeyDigest: KeyDigest(credential),
		OS:        osName,
		CPUModel:  cpu,
		RAMGB:     int64(min(device.RAMCapacityGB, 1<<62)),
	}
	if err := r.store.RecordDevice(ctx, dev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_device", "failed to store device")
	}

	r.logger.Info("device recorded",
		"key_id", KeyID(dev.KeyDigest), "os", dev.OS, "cpu", dev.CPUModel, "ram_gb", dev.RAMGB,
		"first_seen", dev.FirstSeenAt)
	return nil
}
