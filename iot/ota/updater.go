package ota

import (
	"embed"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/tbdevice/core/schema"
	"github.com/relabs-tech/tbdevice/iot/attributes"
	"github.com/relabs-tech/tbdevice/iot/ota/checksum"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

//go:embed schemas
var schemaFS embed.FS

const firmwareSchemaID = "https://tbdevice.local/schemas/firmware.json"

// Shared attributes describing the assigned firmware
const (
	KeyTitle     = "fw_title"
	KeyVersion   = "fw_version"
	KeyChecksum  = "fw_checksum"
	KeyAlgorithm = "fw_checksum_algorithm"
	KeySize      = "fw_size"
)

var firmwareKeys = []string{KeyTitle, KeyVersion, KeyChecksum, KeyAlgorithm, KeySize}

// ErrUpdateFailed is passed to the result callback when a download failed
var ErrUpdateFailed = errors.New("firmware update failed")

// Firmware is the firmware assigned to the device
type Firmware struct {
	Title     string             `json:"fw_title"`
	Version   string             `json:"fw_version"`
	Checksum  string             `json:"fw_checksum"`
	Algorithm checksum.Algorithm `json:"fw_checksum_algorithm"`
	Size      uint64             `json:"fw_size"`
}

// Result is the outcome of a firmware check
type Result int

const (
	// NotAssigned means the cloud has no firmware for the device
	NotAssigned Result = iota
	// UpToDate means the assigned firmware is running
	UpToDate
	// Installed means the assigned firmware was downloaded and stored
	Installed
	// UpdateFailed means the check or the download failed
	UpdateFailed
)

func (r Result) String() string {
	switch r {
	case NotAssigned:
		return "not assigned"
	case UpToDate:
		return "up to date"
	case Installed:
		return "installed"
	default:
		return "failed"
	}
}

// ResultCallback receives the outcome of a firmware check
type ResultCallback func(result Result, err error)

// UpdaterBuilder is a builder helper for the Updater
type UpdaterBuilder struct {
	// Handler downloads the firmware. This is mandatory.
	Handler *Handler
	// Requester reads the firmware attributes. This is mandatory.
	Requester *attributes.Requester
	// Updates delivers firmware assignments pushed by the cloud. Optional.
	Updates *attributes.Updates
	// Publisher publishes firmware states. This is mandatory.
	Publisher transport.Publisher
	// Title and Version of the running firmware
	Title   string
	Version string
	// Confirm reports UPDATED right after the image was stored, for devices that apply
	// images without a restart
	Confirm bool
}

// Updater keeps the device firmware in line with the firmware assigned in the cloud.
type Updater struct {
	handler   *Handler
	requester *attributes.Requester
	updates   *attributes.Updates
	reporter  *TelemetryReporter
	validator *schema.Validator
	confirm   bool
	target    *Firmware
}

// NewUpdater returns a new firmware updater
func NewUpdater(b *UpdaterBuilder) *Updater {
	if b.Handler == nil {
		panic("Handler is missing")
	}
	if b.Requester == nil {
		panic("Requester is missing")
	}
	if b.Publisher == nil {
		panic("Publisher is missing")
	}
	return &Updater{
		handler:   b.Handler,
		requester: b.Requester,
		updates:   b.Updates,
		reporter:  &TelemetryReporter{Publisher: b.Publisher, Title: b.Title, Version: b.Version},
		validator: schema.MustValidatorFromFS(schemaFS, "schemas"),
		confirm:   b.Confirm,
	}
}

// Current returns title and version of the running firmware
func (u *Updater) Current() (title, version string) {
	return u.reporter.Title, u.reporter.Version
}

// Target returns the firmware being downloaded, or nil
func (u *Updater) Target() *Firmware {
	return u.target
}

// Check requests the assigned firmware and starts a download if it differs from the
// running one. It returns false if the request could not be sent.
func (u *Updater) Check(callback ResultCallback) bool {
	if callback == nil {
		return false
	}
	return u.requester.RequestShared(firmwareKeys, func(values json.RawMessage, err error) {
		if err != nil {
			callback(UpdateFailed, fmt.Errorf("cannot read firmware attributes: %w", err))
			return
		}
		u.apply(values, callback)
	})
}

// Subscribe checks the firmware again whenever the cloud pushes a firmware assignment
func (u *Updater) Subscribe(callback ResultCallback) bool {
	if u.updates == nil || callback == nil {
		return false
	}
	return u.updates.Subscribe([]string{KeyTitle, KeyVersion}, func(map[string]json.RawMessage) {
		if !u.Check(callback) {
			callback(UpdateFailed, errors.New("cannot request firmware attributes"))
		}
	})
}

func (u *Updater) apply(values json.RawMessage, callback ResultCallback) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(values, &keys); err != nil {
		callback(UpdateFailed, fmt.Errorf("invalid firmware attributes: %w", err))
		return
	}
	if _, ok := keys[KeyTitle]; !ok {
		callback(NotAssigned, nil)
		return
	}
	if err := u.validator.ValidateBytes(values, firmwareSchemaID); err != nil {
		callback(UpdateFailed, err)
		return
	}
	var firmware Firmware
	if err := json.Unmarshal(values, &firmware); err != nil {
		callback(UpdateFailed, fmt.Errorf("invalid firmware attributes: %w", err))
		return
	}
	if firmware.Algorithm == "" {
		firmware.Algorithm = checksum.SHA256
	}

	if firmware.Title == u.reporter.Title && firmware.Version == u.reporter.Version {
		u.reporter.ReportState(Updated, nil)
		callback(UpToDate, nil)
		return
	}
	if u.handler.Active() && u.target != nil && *u.target == firmware {
		logOTA.Debugf("firmware %s %s is already downloading", firmware.Title, firmware.Version)
		return
	}

	logOTA.Infof("updating firmware from %s %s to %s %s",
		u.reporter.Title, u.reporter.Version, firmware.Title, firmware.Version)
	u.handler.SetReporter(u.reporter)
	err := u.handler.Start(func(success bool) {
		if !success {
			u.target = nil
			callback(UpdateFailed, ErrUpdateFailed)
			return
		}
		if u.confirm {
			u.reporter.Title, u.reporter.Version = firmware.Title, firmware.Version
			u.reporter.ReportState(Updated, nil)
		}
		u.target = nil
		callback(Installed, nil)
	}, firmware.Size, firmware.Algorithm, firmware.Checksum)
	if err != nil {
		callback(UpdateFailed, err)
		return
	}
	u.target = &firmware
}
