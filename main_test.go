package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pewalk/pkg/imagemap"
	"pewalk/pkg/pe/petest"
)

func writeImages(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	k32 := petest.New("KERNEL32.dll").
		Section(".rdata", 0x800, nil).
		Export("CreateFileW", 1, 0x1010).
		Forward("HeapAlloc", 2, "NTDLL.RtlAllocateHeap").
		Build()
	nt := petest.New("ntdll.dll").
		Export("RtlAllocateHeap", 1, 0x1100).
		Build()

	k32Path := filepath.Join(dir, "kernel32.dll")
	ntPath := filepath.Join(dir, "ntdll.dll")
	require.NoError(t, os.WriteFile(k32Path, k32, 0o644))
	require.NoError(t, os.WriteFile(ntPath, nt, 0o644))
	return k32Path, ntPath
}

func TestRunFileListing(t *testing.T) {
	k32, _ := writeImages(t)
	var out bytes.Buffer
	require.NoError(t, runFile(context.Background(), &out, []string{k32}, fileOptions{}, nil))

	require.Contains(t, out.String(), "kernel32.dll base 0x180000000 size 0x4000")
	require.Contains(t, out.String(), ".rdata")
	require.Contains(t, out.String(), "CreateFileW")
	require.Contains(t, out.String(), "NTDLL.RtlAllocateHeap")
}

func TestRunFileForward(t *testing.T) {
	k32, nt := writeImages(t)
	var out bytes.Buffer
	fo := fileOptions{section: ".rdata", export: "HeapAlloc"}
	require.NoError(t, runFile(context.Background(), &out, []string{k32, nt}, fo, nil))

	require.Contains(t, out.String(), ".rdata rva 0x2000 size 0x800 address 0x180002000")
	require.Contains(t, out.String(), "HeapAlloc -> 0x180011100 (forwarded, base 0x180010000 + rva 0x1100)")

	// without ntdll the forward has nowhere to go
	out.Reset()
	require.Error(t, runFile(context.Background(), &out, []string{k32}, fileOptions{export: "HeapAlloc"}, nil))
	require.Error(t, runFile(context.Background(), &out, []string{k32}, fileOptions{export: "#9"}, nil))
}

func TestRunFileVerify(t *testing.T) {
	k32, nt := writeImages(t)
	var out bytes.Buffer
	require.NoError(t, runFile(context.Background(), &out, []string{k32, nt}, fileOptions{verify: true}, nil))
	require.Contains(t, out.String(), "verified 3 sections, 2 exports")
	require.NotContains(t, out.String(), "mismatch")
}

func TestRunFileSealed(t *testing.T) {
	k32, _ := writeImages(t)
	raw, err := os.ReadFile(k32)
	require.NoError(t, err)
	sealed, err := imagemap.Encrypt(raw, "hunter2", rand.Reader)
	require.NoError(t, err)
	sealedPath := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(sealedPath, sealed, 0o600))

	var out bytes.Buffer
	fo := fileOptions{export: "#1", password: "hunter2"}
	require.NoError(t, runFile(context.Background(), &out, []string{sealedPath}, fo, nil))
	require.Contains(t, out.String(), "#1 -> 0x180001010 (rva 0x1010)")

	fo.password = "wrong"
	require.Error(t, runFile(context.Background(), &out, []string{sealedPath}, fo, nil))

	// a sealed image read without the password is not a PE file
	require.Error(t, runFile(context.Background(), &out, []string{sealedPath}, fileOptions{}, nil))
}

func TestRunFileNoImage(t *testing.T) {
	var out bytes.Buffer
	require.Error(t, runFile(context.Background(), &out, nil, fileOptions{}, nil))
}

func TestFetch(t *testing.T) {
	_, nt := writeImages(t)
	want, err := os.ReadFile(nt)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dlls/ntdll.dll" {
			http.NotFound(w, r)
			return
		}
		w.Write(want)
	}))
	defer srv.Close()

	raw, name, err := fetch(context.Background(), srv.URL+"/dlls/ntdll.dll")
	require.NoError(t, err)
	require.Equal(t, "ntdll.dll", name)
	require.Equal(t, want, raw)

	_, _, err = fetch(context.Background(), srv.URL+"/missing.dll")
	require.Error(t, err)

	raw, name, err = fetch(context.Background(), nt)
	require.NoError(t, err)
	require.Equal(t, "ntdll.dll", name)
	require.Equal(t, want, raw)
}

func TestCodePage(t *testing.T) {
	for _, name := range []string{"windows-1252", "IBM437", "ISO-8859-1"} {
		cp, err := codePage(name)
		require.NoError(t, err, name)
		require.NotNil(t, cp, name)
	}
	_, err := codePage("no-such-code-page")
	require.Error(t, err)
}
