// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// AddDrive appends a drive. An ID is generated if the drive has none. The
// ID of the added drive is returned.
func (s *Store) AddDrive(drive Drive) (string, error) {
	if drive.ID == "" {
		drive.ID = uuid.NewString()
	}

	if drive.ImageType == "" {
		drive.ImageType = ImageDisk
	}

	if drive.Interface == "" {
		drive.Interface = InterfaceVirtIO
	}

	err := s.Update(func(settings *Settings) error {
		settings.Drives = append(settings.Drives, drive)
		return nil
	})
	if err != nil {
		return "", err
	}

	return drive.ID, nil
}

// RemoveDrive removes the drive with the given ID. The image file is not
// touched.
func (s *Store) RemoveDrive(id string) error {
	return s.Update(func(settings *Settings) error {
		idx, err := driveIndex(settings, id)
		if err != nil {
			return err
		}

		settings.Drives = slices.Delete(settings.Drives, idx, idx+1)

		return nil
	})
}

// MoveDrive moves the drive with the given ID to the given position. The
// order of drives determines the boot order.
func (s *Store) MoveDrive(id string, position int) error {
	return s.Update(func(settings *Settings) error {
		idx, err := driveIndex(settings, id)
		if err != nil {
			return err
		}

		if position < 0 || position >= len(settings.Drives) {
			return fmt.Errorf("%w: drive position out of range: %d", ErrInvalidSetting, position)
		}

		drive := settings.Drives[idx]
		settings.Drives = slices.Delete(settings.Drives, idx, idx+1)
		settings.Drives = slices.Insert(settings.Drives, position, drive)

		return nil
	})
}

func driveIndex(settings *Settings, id string) (int, error) {
	idx := slices.IndexFunc(settings.Drives, func(d Drive) bool { return d.ID == id })
	if idx < 0 {
		return 0, fmt.Errorf("%w: no drive with id %s", ErrInvalidSetting, id)
	}

	return idx, nil
}
