// Package secure keeps the certificate export password out of ordinary Go
// memory for the lifetime of a session.
//
// The password is sealed in a memguard enclave (encrypted at rest, mlocked
// where the platform allows it) as soon as configuration is loaded. It is
// only decrypted for the duration of a callback:
//
//	pw, _ := secure.NewSecureBuffer([]byte(raw))
//	defer pw.Destroy()
//
//	err := pw.WithBytes(func(b []byte) error {
//	    return exporter.Export(ctx, handle, path, b)
//	})
//
// A nil *SecureBuffer is valid and means "no password"; WithBytes then
// passes nil to the callback.
//
// This does not protect against an attacker with access to the running
// process. It does keep the password out of core dumps and swap.
package secure
