// Package fakes provides test doubles for the collaborators certvault
// depends on: the certificate store, the exporter, the remote secret store
// and the Azure Key Vault client.
//
// The fakes do real filesystem work where it matters. FakeExporter writes
// actual bytes into the ephemeral file it is given, so tests can assert
// that files are gone after a session closes.
//
//	store := fakes.NewFakeCertStore()
//	tp := store.Add("CN=test")
//	remote := fakes.NewFakeSecretStore()
//	remote.Secrets["myapp-Db--Password"] = "s3cret"
package fakes
