package bus

import "testing"

func TestTLSOptionsFromEnv(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		want    int
		wantErr bool
	}{
		{name: "none", want: 0},
		{name: "insecure", env: map[string]string{envTLSInsecure: "true"}, want: 1},
		{name: "ca only", env: map[string]string{envTLSCA: "/etc/nats/ca.pem"}, want: 1},
		{
			name: "mutual tls",
			env: map[string]string{
				envTLSCA:         "/etc/nats/ca.pem",
				envTLSCert:       "/etc/nats/client.pem",
				envTLSKey:        "/etc/nats/client.key",
				envTLSServerName: "nats.internal",
			},
			want: 3,
		},
		{name: "cert without key", env: map[string]string{envTLSCert: "/etc/nats/client.pem"}, wantErr: true},
		{name: "key without cert", env: map[string]string{envTLSKey: "/etc/nats/client.key"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, key := range []string{envTLSCA, envTLSCert, envTLSKey, envTLSInsecure, envTLSServerName} {
				t.Setenv(key, tc.env[key])
			}
			opts, err := tlsOptionsFromEnv()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(opts) != tc.want {
				t.Fatalf("expected %d options, got %d", tc.want, len(opts))
			}
		})
	}
}
