package pe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"pewalk/pkg/pe/petest"
)

const testBase = 0x7ff600000000

func TestValidateImage(t *testing.T) {
	img := petest.New("test.dll").Section(".data", 0x200, nil).Build()
	mem := &Buffer{Base: testBase, Data: img}

	size, err := ValidateImage(mem, testBase)
	require.NoError(t, err)
	require.Equal(t, uint32(len(img)), size)
	require.Equal(t, size, GetModuleSize(mem, testBase))
}

func TestValidateImageRejects(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(img []byte)
	}{
		{
			name:    "dos signature",
			corrupt: func(img []byte) { img[0] = 'X' },
		},
		{
			name:    "nt signature",
			corrupt: func(img []byte) { img[petest.NTOffset+1] = 'X' },
		},
		{
			name: "pe32 optional header",
			corrupt: func(img []byte) {
				binary.LittleEndian.PutUint16(img[petest.OptHeaderOffset:], 0x010B)
			},
		},
		{
			name: "negative e_lfanew",
			corrupt: func(img []byte) {
				binary.LittleEndian.PutUint32(img[0x3C:], 0x80000000)
			},
		},
		{
			name: "e_lfanew out of range",
			corrupt: func(img []byte) {
				binary.LittleEndian.PutUint32(img[0x3C:], 0x7ffffff0)
			},
		},
		{
			name: "truncated optional header",
			corrupt: func(img []byte) {
				binary.LittleEndian.PutUint16(img[petest.NTOffset+4+16:], 8)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := petest.New("test.dll").Build()
			tt.corrupt(img)
			_, err := ValidateImage(&Buffer{Base: testBase, Data: img}, testBase)
			require.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}

func TestValidateImageUnmapped(t *testing.T) {
	mem := &Buffer{Base: testBase, Data: petest.New("test.dll").Build()}

	_, err := ValidateImage(mem, 0)
	require.ErrorIs(t, err, ErrInvalidImage)
	_, err = ValidateImage(mem, testBase+0x100000)
	require.ErrorIs(t, err, ErrInvalidImage)
	require.Zero(t, GetModuleSize(mem, testBase+0x100000))
}

func TestGetModuleSizeSkipsValidation(t *testing.T) {
	img := petest.New("test.dll").Build()
	img[0] = 'X'
	mem := &Buffer{Base: testBase, Data: img}

	require.Equal(t, uint32(len(img)), GetModuleSize(mem, testBase))
}
