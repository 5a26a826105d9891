// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bundle

import (
	"bytes"
	"io"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/cavaliergopher/cpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveWriter(t *testing.T) {
	regularFileBody := make([]byte, 200)
	for idx := range regularFileBody {
		regularFileBody[idx] = byte(idx)
	}

	testFS := fstest.MapFS{
		"regular": &fstest.MapFile{Data: regularFileBody, Mode: 0o640},
		"link":    &fstest.MapFile{Mode: fs.ModeSymlink},
	}

	tests := []struct {
		name         string
		run          func(w *archiveWriter) error
		expectedErr  error
		assertHeader func(t assert.TestingT, hdr *cpio.Header)
		expectedBody []byte
	}{
		{
			name: "write directory",
			run: func(w *archiveWriter) error {
				return w.WriteDirectory("images", 0o750|fs.ModeDir)
			},
			assertHeader: func(t assert.TestingT, hdr *cpio.Header) {
				assert.Equal(t, "images", hdr.Name, "name")
				assert.EqualValues(t, 0o750|cpio.TypeDir, hdr.Mode, "mode")
				assert.EqualValues(t, 0, hdr.Size, "size")
			},
		},
		{
			name: "write link",
			run: func(w *archiveWriter) error {
				return w.WriteLink("current", "disk.img")
			},
			assertHeader: func(t assert.TestingT, hdr *cpio.Header) {
				assert.Equal(t, "current", hdr.Name, "name")
				assert.EqualValues(t, 0o777|cpio.TypeSymlink, hdr.Mode, "mode")
				assert.Equal(t, "disk.img", hdr.Linkname)
			},
		},
		{
			name: "write regular",
			run: func(w *archiveWriter) error {
				file, err := testFS.Open("regular")
				require.NoError(t, err)

				return w.WriteRegular("disk.img", file)
			},
			assertHeader: func(t assert.TestingT, hdr *cpio.Header) {
				assert.Equal(t, "disk.img", hdr.Name, "name")
				assert.EqualValues(t, 0o640|cpio.TypeReg, hdr.Mode, "mode")
				assert.EqualValues(t, 200, hdr.Size, "size")
			},
			expectedBody: regularFileBody,
		},
		{
			name: "write regular invalid",
			run: func(w *archiveWriter) error {
				file, err := testFS.Open("link")
				require.NoError(t, err)

				return w.WriteRegular("link", file)
			},
			expectedErr: ErrNotRegularFile,
		},
		{
			name: "write closed",
			run: func(w *archiveWriter) error {
				err := w.Close()
				require.NoError(t, err)

				return w.WriteLink("current", "disk.img")
			},
			expectedErr: cpio.ErrWriteAfterClose,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var archive bytes.Buffer

			w := newArchiveWriter(&archive)

			err := tt.run(w)
			require.ErrorIs(t, err, tt.expectedErr)

			if tt.assertHeader == nil {
				return
			}

			require.NoError(t, w.Close())

			r := cpio.NewReader(&archive)

			hdr, err := r.Next()
			require.NoError(t, err)

			tt.assertHeader(t, hdr)

			if tt.expectedBody == nil {
				return
			}

			body, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedBody, body)
		})
	}
}
