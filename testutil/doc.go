// Package testutil provides test doubles shared across gateway packages:
// a RecordingTransport that captures outbound frames and an in-memory
// MockNATSClient.
//
//	tr := testutil.NewRecordingTransport()
//	conn := registry.Open(tr)
//	...
//	require.Equal(t, []string{"sensor_data", "welcome"}, tr.Types())
//
// Integration tests that need Docker check IntegrationEnabled from their
// TestMain.
package testutil
