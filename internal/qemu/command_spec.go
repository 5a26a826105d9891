// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/aibor/virtman/internal/config"
	"github.com/aibor/virtman/internal/paths"
	securejoin "github.com/cyphar/filepath-securejoin"
)

const (
	executablePrefix = "qemu-system-"

	serialChardevID  = "term0"
	netdevID         = "net0"
	audiodevID       = "audio0"
	usbBusID         = "usb-bus"
	scsiBusID        = "scsi0"
	shareMountTag    = "share"
	vdagentChardevID = "vdagent"
	vdagentPortName  = "com.redhat.spice.0"
)

// DriveID returns the QEMU block backend id for the drive with the given
// settings id.
func DriveID(id string) string {
	return "drive-" + id
}

// DeviceID returns the QEMU device id of the frontend for the drive with the
// given settings id. It is used for ejecting and changing media.
func DeviceID(id string) string {
	return "dev-" + id
}

// CommandSpec describes a QEMU process for a single virtual machine.
type CommandSpec struct {
	// Name is the display name of the guest.
	Name string

	Settings config.Settings
	Paths    *paths.Paths

	// KVM enables hardware acceleration.
	KVM bool
}

// NewCommandSpec returns a [CommandSpec] for the given settings. KVM is
// enabled if requested and available on the host.
func NewCommandSpec(name string, settings config.Settings, p *paths.Paths) CommandSpec {
	spec := CommandSpec{
		Name:     name,
		Settings: settings,
		Paths:    p,
	}

	if arch, err := settings.System.Arch(); err == nil {
		spec.KVM = settings.System.Hypervisor && arch.KVMAvailable()
	}

	return spec
}

// Executable returns the QEMU binary to run. It is the explicitly configured
// one or the system emulator for the configured architecture.
func (s *CommandSpec) Executable() (string, error) {
	if s.Settings.QEMU.Executable != "" {
		return s.Settings.QEMU.Executable, nil
	}

	arch, err := s.Settings.System.Arch()
	if err != nil {
		return "", &ArgumentError{"architecture: " + err.Error()}
	}

	return executablePrefix + arch.QEMUName(), nil
}

// Validate checks that the spec can be expressed as command line.
func (s *CommandSpec) Validate() error {
	switch {
	case s.Name == "":
		return &ArgumentError{"name missing"}
	case s.Paths == nil:
		return &ArgumentError{"paths missing"}
	}

	if s.Settings.QEMU.IgnoreAllConfiguration {
		return nil
	}

	transport := TransportTypeFor(s.Settings.System.Target)

	if transport == TransportTypeMMIO && s.Settings.Display.Mode == config.DisplayGraphic {
		return &ArgumentError{"microvm machine does not support graphic display"}
	}

	for _, drive := range s.Settings.Drives {
		needsVirtIO := drive.Interface == config.InterfaceVirtIO ||
			drive.Interface == config.InterfaceSCSI
		if needsVirtIO && transport == TransportTypeISA {
			return &ArgumentError{"virtio drive on ISA machine: " + drive.ID}
		}
	}

	return nil
}

// Arguments returns the [Argument]s derived from the settings. Custom
// arguments are not included, see [CommandSpec.Args].
func (s *CommandSpec) Arguments() ([]Argument, error) {
	err := s.Validate()
	if err != nil {
		return nil, err
	}

	args := s.managementArgs()

	if s.Settings.QEMU.IgnoreAllConfiguration {
		return args, nil
	}

	args = append(args, s.systemArgs()...)
	args = append(args, s.displayArgs()...)

	driveArgs, err := s.driveArgs()
	if err != nil {
		return nil, err
	}

	args = appendOnce(args, s.inputArgs()...)
	args = appendOnce(args, s.soundArgs()...)
	args = appendOnce(args, s.networkArgs()...)
	args = appendOnce(args, driveArgs...)
	args = appendOnce(args, s.sharingArgs()...)

	return args, nil
}

// Args returns the complete argument list for the QEMU process, including
// the custom arguments.
func (s *CommandSpec) Args() ([]string, error) {
	args, err := s.Arguments()
	if err != nil {
		return nil, err
	}

	strs, err := BuildArgumentStrings(args)
	if err != nil {
		return nil, err
	}

	return append(strs, s.Settings.QEMU.Arguments...), nil
}

// CommandLine returns the full command as a single shell compatible line.
func (s *CommandSpec) CommandLine() (string, error) {
	executable, err := s.Executable()
	if err != nil {
		return "", err
	}

	args, err := s.Args()
	if err != nil {
		return "", err
	}

	return JoinCommandLine(executable, args), nil
}

// appendOnce appends the given arguments, skipping repeatable arguments that
// are present already. It is used for shared controllers, like the USB bus.
func appendOnce(args []Argument, more ...Argument) []Argument {
	for _, arg := range more {
		if arg.Repeatable() && slices.ContainsFunc(args, arg.Collides) {
			continue
		}

		args = append(args, arg)
	}

	return args
}

func (s *CommandSpec) transport() TransportType {
	return TransportTypeFor(s.Settings.System.Target)
}

func (s *CommandSpec) graphic() bool {
	return s.Settings.Display.Mode == config.DisplayGraphic
}

func (s *CommandSpec) managementArgs() []Argument {
	return []Argument{
		UniqueArg("name", Option("guest", s.Name)),
		UniqueArg("nodefaults"),
		UniqueArg("no-user-config"),
		UniqueArg("monitor", "none"),
		UniqueArg("pidfile", s.Paths.PIDFile),
		UniqueArg("qmp", "unix:"+Escape(s.Paths.MonitorSocket), "server=on", "wait=off"),
		RepeatableArg("chardev", "socket", "id="+serialChardevID,
			Option("path", s.Paths.SerialSocket), "server=on", "wait=off"),
		UniqueArg("serial", "chardev:"+serialChardevID),
	}
}

func (s *CommandSpec) systemArgs() []Argument {
	system := s.Settings.System

	accel := "tcg"
	cpu := system.CPU

	if s.KVM {
		accel = "kvm"
		cpu = "host"
	}

	if cpu == "" {
		cpu = "max"
	}

	rtc := "base=utc"
	if system.RTCLocalTime {
		rtc = "base=localtime"
	}

	args := []Argument{
		UniqueArg("machine", system.Target),
		UniqueArg("accel", accel),
		UniqueArg("cpu", cpu),
		UniqueArg("smp", strconv.Itoa(system.CPUCount)),
		UniqueArg("m", strconv.Itoa(system.Memory)+"M"),
		UniqueArg("rtc", rtc),
	}

	if system.UUID != "" {
		args = append(args, UniqueArg("uuid", system.UUID))
	}

	return args
}

func (s *CommandSpec) displayArgs() []Argument {
	if !s.graphic() {
		return []Argument{UniqueArg("display", "none")}
	}

	args := []Argument{
		UniqueArg("display", "none"),
		UniqueArg("spice",
			"unix=on",
			Option("addr", s.Paths.DisplaySocket),
			"disable-ticketing=on",
			"image-compression=off",
		),
	}

	if s.Settings.Display.Card != "" {
		args = append(args, RepeatableArg("device", s.Settings.Display.Card))
	}

	if s.Settings.Sharing.Clipboard && s.transport() != TransportTypeISA {
		args = append(args,
			RepeatableArg("device", s.transport().VirtIODevice("virtio-serial")),
			RepeatableArg("chardev", "spicevmc", "id="+vdagentChardevID, "name=vdagent"),
			RepeatableArg("device", "virtserialport",
				"chardev="+vdagentChardevID, "name="+vdagentPortName),
		)
	}

	return args
}

func (s *CommandSpec) usbControllerArg() Argument {
	return RepeatableArg("device", "qemu-xhci", "id="+usbBusID)
}

func (s *CommandSpec) inputArgs() []Argument {
	if !s.graphic() {
		return nil
	}

	// Only PC machines have a PS/2 controller.
	if s.Settings.Input.Legacy && s.Settings.System.Target != "virt" {
		return nil
	}

	return []Argument{
		s.usbControllerArg(),
		RepeatableArg("device", "usb-tablet", "bus="+usbBusID+".0"),
		RepeatableArg("device", "usb-kbd", "bus="+usbBusID+".0"),
	}
}

func (s *CommandSpec) soundArgs() []Argument {
	card := s.Settings.Sound.Card
	if !s.graphic() || card == "" || card == config.SoundNone {
		return nil
	}

	args := []Argument{
		UniqueArg("audiodev", "spice", "id="+audiodevID),
	}

	switch card {
	case "intel-hda", "ich9-intel-hda":
		args = append(args,
			RepeatableArg("device", card),
			RepeatableArg("device", "hda-duplex", "audiodev="+audiodevID),
		)
	default:
		args = append(args, RepeatableArg("device", card, "audiodev="+audiodevID))
	}

	return args
}

func (s *CommandSpec) networkArgs() []Argument {
	network := s.Settings.Network

	var netdev Argument

	switch network.Mode {
	case config.NetworkEmulated:
		opts := []string{"user", "id=" + netdevID}
		for _, fwd := range network.PortForwards {
			opts = append(opts, fmt.Sprintf("hostfwd=%s::%d-:%d",
				fwd.Protocol, fwd.HostPort, fwd.GuestPort))
		}

		netdev = RepeatableArg("netdev", opts...)
	case config.NetworkBridged:
		netdev = RepeatableArg("netdev", "tap", "id="+netdevID,
			"ifname="+s.Paths.TapDevice, "script=no", "downscript=no")
	default:
		return nil
	}

	device := []string{network.Card, "netdev=" + netdevID}
	if network.MACAddress != "" {
		device = append(device, "mac="+network.MACAddress)
	}

	return []Argument{netdev, RepeatableArg("device", device...)}
}

// imagePath resolves relative image paths against the storage directory.
// They can not escape it.
func (s *CommandSpec) imagePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}

	resolved, err := securejoin.SecureJoin(s.Paths.Root, path)
	if err != nil {
		return "", &ArgumentError{"image path " + path + ": " + err.Error()}
	}

	return resolved, nil
}

func (s *CommandSpec) driveArgs() ([]Argument, error) {
	var args []Argument

	for idx, drive := range s.Settings.Drives {
		media := "disk"
		if drive.ImageType == config.ImageCDROM {
			media = "cdrom"
		}

		opts := []string{"if=none", Option("id", DriveID(drive.ID)), "media=" + media}

		if drive.ImagePath != "" {
			path, err := s.imagePath(drive.ImagePath)
			if err != nil {
				return nil, err
			}

			opts = append(opts, Option("file", path))
		}

		if drive.ReadOnly && media == "disk" {
			opts = append(opts, "readonly=on")
		}

		args = append(args, RepeatableArg("drive", opts...))

		if drive.Interface == config.InterfaceNone {
			continue
		}

		args = append(args, s.driveDeviceArgs(drive, idx)...)
	}

	return args, nil
}

func (s *CommandSpec) driveDeviceArgs(drive config.Drive, bootIndex int) []Argument {
	cdrom := drive.ImageType == config.ImageCDROM
	common := []string{
		Option("drive", DriveID(drive.ID)),
		Option("id", DeviceID(drive.ID)),
		"bootindex=" + strconv.Itoa(bootIndex),
	}

	device := func(name string, extra ...string) Argument {
		return RepeatableArg("device", append(append([]string{name}, common...), extra...)...)
	}

	scsiDevice := func() []Argument {
		name := "scsi-hd"
		if cdrom {
			name = "scsi-cd"
		}

		return []Argument{
			RepeatableArg("device", s.transport().VirtIODevice("virtio-scsi"), "id="+scsiBusID),
			device(name, "bus="+scsiBusID+".0"),
		}
	}

	switch drive.Interface {
	case config.InterfaceVirtIO:
		// VirtIO block devices can not hold removable media.
		if cdrom {
			return scsiDevice()
		}

		return []Argument{device(s.transport().VirtIODevice("virtio-blk"))}
	case config.InterfaceSCSI:
		return scsiDevice()
	case config.InterfaceIDE:
		if cdrom {
			return []Argument{device("ide-cd")}
		}

		return []Argument{device("ide-hd")}
	case config.InterfaceNVMe:
		return []Argument{device("nvme", "serial="+nvmeSerial(drive.ID))}
	case config.InterfaceUSB:
		extra := []string{"bus=" + usbBusID + ".0"}
		if drive.Removable {
			extra = append(extra, "removable=on")
		}

		return []Argument{s.usbControllerArg(), device("usb-storage", extra...)}
	default:
		return nil
	}
}

// nvmeSerial shortens the drive id to the 20 characters NVMe allows.
func nvmeSerial(id string) string {
	const maxLen = 20

	if len(id) > maxLen {
		return id[:maxLen]
	}

	return id
}

func (s *CommandSpec) sharingArgs() []Argument {
	sharing := s.Settings.Sharing
	if sharing.Directory == "" || s.transport() == TransportTypeISA {
		return nil
	}

	opts := []string{
		"local",
		Option("path", sharing.Directory),
		"mount_tag=" + shareMountTag,
		"security_model=mapped-xattr",
		"id=" + shareMountTag,
	}

	if sharing.ReadOnly {
		opts = append(opts, "readonly=on")
	}

	return []Argument{RepeatableArg("virtfs", opts...)}
}
