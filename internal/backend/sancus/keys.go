package sancus

import (
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"

	"github.com/sepidehpouyan/reactive-tools/internal/buildctx"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"golang.org/x/crypto/hkdf"
)

// writeSymtab persists a deployed module's linker symbol table (the
// trailing payload of a Load response) as a .ld file under its build
// directory, mirroring tools.create_tmp(suffix='.ld', dir=module.name) in
// nodes/sancus.py.
func writeSymtab(bc buildctx.BuildContext, moduleName string, symtab []byte) (string, error) {
	dir, err := bc.ModuleDir(moduleName)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, moduleName+".ld")
	if err := os.WriteFile(path, symtab, 0o644); err != nil {
		return "", apperrors.Wrap(apperrors.BuildArtifactMissing, "writing sancus symtab file", err)
	}
	return path, nil
}

// deriveModuleKey replaces the original's sancus.crypto.get_sm_key (a native
// library unavailable outside the Sancus Python toolchain): an HKDF-SHA256
// extract-and-expand over the node's vendor key, salted with the linked
// module ELF's digest and bound to the module name as context info,
// generalizing infrastructure/crypto/envelope.go's deriveEnvelopeKey.
func deriveModuleKey(vendorKey []byte, linkedELFPath, moduleName string) ([]byte, error) {
	elfBytes, err := os.ReadFile(linkedELFPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.BuildArtifactMissing, "reading linked elf for key derivation", err)
	}
	digest := sha256.Sum256(elfBytes)

	kdf := hkdf.New(sha256.New, vendorKey, digest[:], []byte("sancus-module-key:"+moduleName))
	key := make([]byte, 16)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, apperrors.Wrap(apperrors.CryptoBadKeyLength, "expanding sancus module key", err)
	}
	return key, nil
}
