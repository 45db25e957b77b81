package controllers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"me.sttot/certbot-k8s/src/models"
	"me.sttot/certbot-k8s/src/services"
)

func TestGetSecretName(t *testing.T) {
	ready := &models.StateContext{
		Phase:    models.PhaseReady,
		Hostname: "example.com",
		Credential: &models.CredentialReference{
			Name:     "example-com-tls",
			Hostname: "example.com",
			Ready:    true,
		},
	}

	tests := []struct {
		name    string
		config  string
		secret  bool
		state   *models.StateContext
		want    string
		wantErr error
	}{
		{
			name:    "nothing issued",
			config:  "service-hostname: example.com\n",
			wantErr: services.ErrNotReady,
		},
		{
			name:   "issued",
			config: "service-hostname: example.com\n",
			secret: true,
			state:  ready,
			want:   "example-com-tls",
		},
		{
			name:    "hostname changed",
			config:  "service-hostname: other.example.com\n",
			secret:  true,
			state:   ready,
			wantErr: services.ErrNotReady,
		},
		{
			name:    "secret removed",
			config:  "service-hostname: example.com\n",
			state:   ready,
			wantErr: services.ErrNotReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, configSecret(tt.config))
			ctx := context.Background()
			if tt.secret {
				_, err := env.clientset.CoreV1().Secrets(testNamespace).Create(ctx, tlsSecret("example-com-tls"), metav1.CreateOptions{})
				require.NoError(t, err)
			}
			if tt.state != nil {
				require.NoError(t, env.certificateService.SaveState(ctx, tt.state))
			}

			got, err := env.actions().GetSecretName(ctx)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
