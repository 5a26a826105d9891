// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"crypto/rand"
	"fmt"
	"net"
	"regexp"
	"slices"

	"github.com/aibor/virtman/internal/sys"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// NetworkMode selects how the guest is connected.
type NetworkMode string

// Supported network modes.
const (
	NetworkNone     NetworkMode = "none"
	NetworkEmulated NetworkMode = "emulated"
	NetworkBridged  NetworkMode = "bridged"
)

// DisplayMode selects between a serial console only and a full graphical
// display.
type DisplayMode string

// Supported display modes.
const (
	DisplayConsole DisplayMode = "console"
	DisplayGraphic DisplayMode = "graphic"
)

// DriveInterface is the bus a drive is attached to.
type DriveInterface string

// Supported drive interfaces.
const (
	InterfaceVirtIO DriveInterface = "virtio"
	InterfaceIDE    DriveInterface = "ide"
	InterfaceSCSI   DriveInterface = "scsi"
	InterfaceNVMe   DriveInterface = "nvme"
	InterfaceUSB    DriveInterface = "usb"
	InterfaceNone   DriveInterface = "none"
)

// ImageType is the kind of medium a drive holds.
type ImageType string

// Supported image types.
const (
	ImageDisk  ImageType = "disk"
	ImageCDROM ImageType = "cd"
)

// SoundNone disables the sound device.
const SoundNone = "none"

// System holds the basic machine settings.
type System struct {
	Architecture string `yaml:"architecture"`
	Target       string `yaml:"target"`
	CPU          string `yaml:"cpu"`
	CPUCount     int    `yaml:"cpuCount"`
	// Memory in MiB.
	Memory       int    `yaml:"memory"`
	UUID         string `yaml:"uuid"`
	Hypervisor   bool   `yaml:"hypervisor"`
	RTCLocalTime bool   `yaml:"rtcLocalTime"`
}

// Arch returns the parsed architecture.
func (s System) Arch() (sys.Arch, error) {
	return sys.ParseArch(s.Architecture)
}

// Drive is a disk image or removable medium attached to the guest.
type Drive struct {
	ID        string         `yaml:"id"`
	ImagePath string         `yaml:"imagePath"`
	ImageType ImageType      `yaml:"imageType"`
	Interface DriveInterface `yaml:"interface"`
	Removable bool           `yaml:"removable"`
	ReadOnly  bool           `yaml:"readOnly"`
}

// PortForward forwards a host port into the guest in emulated network mode.
type PortForward struct {
	Protocol  string `yaml:"protocol"`
	HostPort  int    `yaml:"hostPort"`
	GuestPort int    `yaml:"guestPort"`
}

// Network holds the guest network settings.
type Network struct {
	Mode            NetworkMode   `yaml:"mode"`
	Card            string        `yaml:"card"`
	MACAddress      string        `yaml:"macAddress"`
	BridgeInterface string        `yaml:"bridgeInterface"`
	PortForwards    []PortForward `yaml:"portForwards"`
}

// Display holds the display settings.
type Display struct {
	Mode DisplayMode `yaml:"mode"`
	Card string      `yaml:"card"`
}

// Input holds the input device settings.
type Input struct {
	// Legacy uses PS/2 devices instead of USB.
	Legacy bool `yaml:"legacy"`
}

// Sound holds the audio settings.
type Sound struct {
	Card string `yaml:"card"`
}

// Sharing holds the host sharing settings.
type Sharing struct {
	Directory string `yaml:"directory"`
	ReadOnly  bool   `yaml:"readOnly"`
	Clipboard bool   `yaml:"clipboard"`
}

// QEMU holds settings for the QEMU process itself.
type QEMU struct {
	// Executable overrides the qemu-system binary derived from the
	// architecture.
	Executable string `yaml:"executable"`
	// Arguments are appended to the generated arguments.
	Arguments []string `yaml:"arguments"`
	// IgnoreAllConfiguration uses only Arguments besides the arguments
	// required for managing the process.
	IgnoreAllConfiguration bool `yaml:"ignoreAllConfiguration"`
	// DebugLog writes the process output into the debug log file.
	DebugLog bool `yaml:"debugLog"`
}

// Settings is the typed view on the settings of a [Document].
type Settings struct {
	System  System  `yaml:"system"`
	Drives  []Drive `yaml:"drives"`
	Network Network `yaml:"network"`
	Display Display `yaml:"display"`
	Input   Input   `yaml:"input"`
	Sound   Sound   `yaml:"sound"`
	Sharing Sharing `yaml:"sharing"`
	QEMU    QEMU    `yaml:"qemu"`
}

func (s *Settings) clone() Settings {
	settings := *s
	settings.Drives = slices.Clone(s.Drives)
	settings.Network.PortForwards = slices.Clone(s.Network.PortForwards)
	settings.QEMU.Arguments = slices.Clone(s.QEMU.Arguments)

	return settings
}

// Drive returns the drive with the given ID.
func (s *Settings) Drive(id string) (Drive, bool) {
	idx := slices.IndexFunc(s.Drives, func(d Drive) bool { return d.ID == id })
	if idx < 0 {
		return Drive{}, false
	}

	return s.Drives[idx], true
}

const (
	defaultMemory   = 512
	defaultCPUCount = 1
)

// Defaults returns the baseline settings for a new virtual machine of the
// given architecture.
func Defaults(arch sys.Arch) Settings {
	target := "virt"
	displayCard := "virtio-gpu-pci"

	if arch == sys.AMD64 {
		target = "q35"
		displayCard = "virtio-vga"
	}

	return Settings{
		System: System{
			Architecture: arch.String(),
			Target:       target,
			CPU:          "max",
			CPUCount:     defaultCPUCount,
			Memory:       defaultMemory,
			UUID:         uuid.NewString(),
			Hypervisor:   true,
		},
		Drives: []Drive{},
		Network: Network{
			Mode:         NetworkEmulated,
			Card:         "virtio-net-pci",
			MACAddress:   RandomMACAddress(),
			PortForwards: []PortForward{},
		},
		Display: Display{
			Mode: DisplayGraphic,
			Card: displayCard,
		},
		Sound: Sound{
			Card: "intel-hda",
		},
		Sharing: Sharing{
			Clipboard: true,
		},
		QEMU: QEMU{
			Arguments: []string{},
		},
	}
}

// RandomMACAddress returns a random locally administered unicast MAC
// address.
func RandomMACAddress() string {
	mac := make(net.HardwareAddr, 6)
	_, _ = rand.Read(mac)

	mac[0] = (mac[0] | 0x02) &^ 0x01

	return mac.String()
}

// ParseMemory parses a human readable size like "2GiB" or "512M" into MiB.
func ParseMemory(size string) (int, error) {
	bytes, err := units.RAMInBytes(size)
	if err != nil {
		return 0, fmt.Errorf("%w: memory: %w", ErrInvalidSetting, err)
	}

	if bytes < units.MiB {
		return 0, fmt.Errorf("%w: memory below 1MiB: %s", ErrInvalidSetting, size)
	}

	return int(bytes / units.MiB), nil
}

// FormatMemory formats the given MiB into a human readable size.
func FormatMemory(mib int) string {
	return units.BytesSize(float64(mib) * units.MiB)
}

// decodeSettings decodes the raw settings of the named machine on top of the
// defaults, so missing keys take their default value. The defaults do not
// depend on the host: identifiers are derived from the name and the
// architecture falls back to amd64, the default of legacy documents.
func decodeSettings(raw map[string]any, name string) (Settings, error) {
	settings := Defaults(documentArch(raw))
	settings.System.UUID = derivedSystemUUID(name)
	settings.Network.MACAddress = derivedMACAddress(name)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "yaml",
		Result:  &settings,
	})
	if err != nil {
		return Settings{}, fmt.Errorf("create decoder: %w", err)
	}

	err = decoder.Decode(raw)
	if err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrMalformedConfiguration, err)
	}

	return settings, nil
}

// documentArch returns the architecture given in the raw settings or
// [sys.AMD64] if there is no valid one.
func documentArch(raw map[string]any) sys.Arch {
	system, _ := raw["system"].(map[string]any)
	name, _ := system["architecture"].(string)

	arch, err := sys.ParseArch(name)
	if err != nil {
		return sys.AMD64
	}

	return arch
}

// encodeSettings converts the settings into the generic representation
// stored in a [Document].
func encodeSettings(settings Settings) (map[string]any, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}

	var raw map[string]any

	err = yaml.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}

	return cloneMap(raw), nil
}

// mergeMap writes all keys of src into dst. Nested mappings are merged, so
// keys in dst unknown to src survive.
func mergeMap(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)

		if srcIsMap && dstIsMap {
			mergeMap(dstMap, srcMap)
			continue
		}

		dst[key] = value
	}
}

var (
	knownNetworkModes = []NetworkMode{NetworkNone, NetworkEmulated, NetworkBridged}
	knownDisplayModes = []DisplayMode{DisplayConsole, DisplayGraphic}
	knownInterfaces   = []DriveInterface{
		InterfaceVirtIO,
		InterfaceIDE,
		InterfaceSCSI,
		InterfaceNVMe,
		InterfaceUSB,
		InterfaceNone,
	}
	knownImageTypes = []ImageType{ImageDisk, ImageCDROM}
)

const maxPort = 65535

// driveIDPattern restricts drive IDs to characters that need no escaping in
// QEMU option lists.
var driveIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate checks the settings for consistency.
func (s *Settings) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidSetting}, args...)...)
	}

	_, err := s.System.Arch()
	if err != nil {
		return invalid("system.architecture: %w", err)
	}

	if s.System.CPUCount < 1 {
		return invalid("system.cpuCount must be positive: %d", s.System.CPUCount)
	}

	if s.System.Memory < 1 {
		return invalid("system.memory must be positive: %d", s.System.Memory)
	}

	if s.System.UUID != "" {
		if _, err := uuid.Parse(s.System.UUID); err != nil {
			return invalid("system.uuid: %w", err)
		}
	}

	ids := map[string]bool{}

	for idx, drive := range s.Drives {
		switch {
		case drive.ID == "":
			return invalid("drives[%d]: empty id", idx)
		case !driveIDPattern.MatchString(drive.ID):
			return invalid("drives[%d]: id %q contains characters other than A-Z a-z 0-9 . _ -", idx, drive.ID)
		case ids[drive.ID]:
			return invalid("drives[%d]: duplicate id %s", idx, drive.ID)
		case drive.ImagePath == "" && !drive.Removable:
			return invalid("drives[%d]: empty image path", idx)
		case !slices.Contains(knownInterfaces, drive.Interface):
			return invalid("drives[%d]: unknown interface %q", idx, drive.Interface)
		case !slices.Contains(knownImageTypes, drive.ImageType):
			return invalid("drives[%d]: unknown image type %q", idx, drive.ImageType)
		}

		ids[drive.ID] = true
	}

	if !slices.Contains(knownNetworkModes, s.Network.Mode) {
		return invalid("network.mode: unknown mode %q", s.Network.Mode)
	}

	if s.Network.Mode == NetworkBridged && s.Network.BridgeInterface == "" {
		return invalid("network.bridgeInterface required for bridged mode")
	}

	if s.Network.MACAddress != "" {
		if _, err := net.ParseMAC(s.Network.MACAddress); err != nil {
			return invalid("network.macAddress: %w", err)
		}
	}

	for idx, fwd := range s.Network.PortForwards {
		if fwd.Protocol != "tcp" && fwd.Protocol != "udp" {
			return invalid("network.portForwards[%d]: unknown protocol %q", idx, fwd.Protocol)
		}

		for _, port := range []int{fwd.HostPort, fwd.GuestPort} {
			if port < 1 || port > maxPort {
				return invalid("network.portForwards[%d]: invalid port %d", idx, port)
			}
		}
	}

	if !slices.Contains(knownDisplayModes, s.Display.Mode) {
		return invalid("display.mode: unknown mode %q", s.Display.Mode)
	}

	return nil
}
