package sgx

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sepidehpouyan/reactive-tools/internal/backend"
	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
	"github.com/sepidehpouyan/reactive-tools/internal/procrun"
)

// iasRootCAURL is Intel's published IAS attestation root CA certificate,
// fetched once per build directory per spec's "openssl/curl to materialize
// the SP keypair and the IAS root CA" contract.
const iasRootCAURL = "https://certificates.trustedservices.intel.com/Intel_SGX_Attestation_RootCA.pem"

// spKeys is the service-provider RSA keypair the ra_sp attestation service
// signs with; the original generates it once per process and shares it
// across every SGXModule instance (a class-level asyncio.Future). Go has no
// implicit class statics, so the same sharing is made explicit with a
// package-level Cell guarded by spKeysOnce.
type spKeys struct {
	privatePath string
	publicPath  string
	publicPEM   string
}

var (
	spKeysOnce sync.Once
	spKeysCell *backend.Cell[spKeys]

	iasCertOnce sync.Once
	iasCertCell *backend.Cell[string]

	raSPOnce sync.Once
	raSPCell *backend.Cell[*procrun.Handle]
)

// ensureSPKeys returns the shared SP keypair, generating it on first use via
// openssl, mirroring _generate_sp_keys in modules/sgx.py but materialized
// with openssl rather than ssh-keygen, per the SP-keypair contract.
func ensureSPKeys(ctx context.Context, dir string) (spKeys, error) {
	spKeysOnce.Do(func() {
		spKeysCell = backend.NewCell(func() (spKeys, error) {
			return generateSPKeys(ctx, dir)
		})
	})
	return spKeysCell.Get()
}

// generateSPKeys regenerates the SP keypair only when absent from dir:
// openssl genrsa produces the private key, openssl rsa derives the public
// key from it.
func generateSPKeys(ctx context.Context, dir string) (spKeys, error) {
	priv := filepath.Join(dir, "sp_private_key.pem")
	pub := filepath.Join(dir, "sp_public_key.pem")

	if _, err := os.Stat(priv); os.IsNotExist(err) {
		if err := procrun.Run(ctx, "openssl", "genrsa", "-out", priv, "3072"); err != nil {
			return spKeys{}, apperrors.Wrap(apperrors.AttestHelperFailed, "generating sgx sp private key", err)
		}
	}
	if _, err := os.Stat(pub); os.IsNotExist(err) {
		if err := procrun.Run(ctx, "openssl", "rsa", "-in", priv, "-pubout", "-out", pub); err != nil {
			return spKeys{}, apperrors.Wrap(apperrors.AttestHelperFailed, "deriving sgx sp public key", err)
		}
	}

	pem, err := os.ReadFile(pub)
	if err != nil {
		return spKeys{}, apperrors.Wrap(apperrors.AttestHelperFailed, "reading sgx sp public key", err)
	}
	return spKeys{privatePath: priv, publicPath: pub, publicPEM: string(pem)}, nil
}

// ensureIASCert returns the path to the IAS attestation root CA under dir,
// fetching it with curl on first use and regenerating only when absent, per
// the same SP-keypair/IAS-cert contract generateSPKeys implements.
func ensureIASCert(ctx context.Context, dir string) (string, error) {
	iasCertOnce.Do(func() {
		iasCertCell = backend.NewCell(func() (string, error) {
			return generateIASCert(ctx, dir)
		})
	})
	return iasCertCell.Get()
}

func generateIASCert(ctx context.Context, dir string) (string, error) {
	cert := filepath.Join(dir, "ias_root_ca.pem")
	if _, err := os.Stat(cert); os.IsNotExist(err) {
		if err := procrun.Run(ctx, "curl", "-fsSL", "-o", cert, iasRootCAURL); err != nil {
			return "", apperrors.Wrap(apperrors.AttestHelperFailed, "fetching ias root ca", err)
		}
	}
	return cert, nil
}

// ensureRASP starts the background ra_sp remote-attestation service once per
// process (memoized like spKeys above), mirroring _run_ra_sp, passing
// SP_PRIVKEY and AESM_PORT in its environment per the SGX attester's
// environment-variable contract.
func ensureRASP(ctx context.Context, spPrivateKeyPath string, aesmPort uint16) (*procrun.Handle, error) {
	raSPOnce.Do(func() {
		raSPCell = backend.NewCell(func() (*procrun.Handle, error) {
			env := []string{
				"SP_PRIVKEY=" + spPrivateKeyPath,
				fmt.Sprintf("AESM_PORT=%d", aesmPort),
			}
			return procrun.Background(ctx, env, "ra_sp",
				"--sp-key", spPrivateKeyPath,
				"--aesm-port", fmt.Sprintf("%d", aesmPort))
		})
	})
	return raSPCell.Get()
}

// cleanupRASP stops the shared ra_sp process, if one was ever started.
func cleanupRASP() error {
	if raSPCell == nil {
		return nil
	}
	h, err := raSPCell.Get()
	if err != nil || h == nil {
		return nil
	}
	return h.Kill()
}

// runRemoteAttestation invokes ra_client against the module's enclave port
// and parses its stdout (a hex-encoded attested key) per __remote_attestation
// in modules/sgx.py, passing IAS_CERT/ENCLAVE_SETTINGS/ENCLAVE_SIG/
// ENCLAVE_HOST/ENCLAVE_PORT in its environment per the SGX attester's
// environment-variable contract.
func runRemoteAttestation(ctx context.Context, iasCertPath, nodeIP string, port uint16, raSettingsPath, sigPath string) ([]byte, error) {
	env := []string{
		"IAS_CERT=" + iasCertPath,
		"ENCLAVE_SETTINGS=" + raSettingsPath,
		"ENCLAVE_SIG=" + sigPath,
		"ENCLAVE_HOST=" + nodeIP,
		fmt.Sprintf("ENCLAVE_PORT=%d", port),
	}
	out, err := procrun.CaptureStdoutEnv(ctx, env, "ra_client", nodeIP, fmt.Sprintf("%d", port), raSettingsPath, sigPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.AttestHelperFailed, "running ra_client", err)
	}
	out = bytes.TrimSpace(out)
	key, err := hex.DecodeString(string(out))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.AttestHelperFailed, "decoding ra_client attested key", err)
	}
	return key, nil
}
