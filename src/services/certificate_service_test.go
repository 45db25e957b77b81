package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"me.sttot/certbot-k8s/src/models"
)

func TestCertificateServicePublish(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	cs := NewCertificateService(clientset, "default", "certbot-k8s-state")
	ctx := context.Background()

	exists, err := cs.SecretExists(ctx, "foo-li-sh-tls")
	require.NoError(t, err)
	assert.False(t, exists)

	err = cs.Publish(ctx, "foo-li-sh-tls", &models.Certificate{
		Hostname: "foo.li.sh",
		CertData: []byte("some_cert"),
		KeyData:  []byte("some_key"),
	})
	require.NoError(t, err)

	secret, err := clientset.CoreV1().Secrets("default").Get(ctx, "foo-li-sh-tls", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.SecretTypeTLS, secret.Type)
	assert.Equal(t, []byte("some_cert"), secret.Data["tls.crt"])
	assert.Equal(t, []byte("some_key"), secret.Data["tls.key"])

	// 已存在时替换
	err = cs.Publish(ctx, "foo-li-sh-tls", &models.Certificate{
		Hostname: "foo.li.sh",
		CertData: []byte("new_cert"),
		KeyData:  []byte("new_key"),
	})
	require.NoError(t, err)

	data, err := cs.CertificateData(ctx, "foo-li-sh-tls")
	require.NoError(t, err)
	assert.Equal(t, []byte("new_cert"), data)

	list, err := clientset.CoreV1().Secrets("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list.Items, 1)
}

func TestCertificateServicePublishRejectsEmptyMaterial(t *testing.T) {
	cs := NewCertificateService(fake.NewSimpleClientset(), "default", "certbot-k8s-state")

	assert.Error(t, cs.Publish(context.Background(), "x-tls", nil))
	assert.Error(t, cs.Publish(context.Background(), "x-tls", &models.Certificate{CertData: []byte("c")}))
}

func TestCertificateServiceState(t *testing.T) {
	cs := NewCertificateService(fake.NewSimpleClientset(), "default", "certbot-k8s-state")
	ctx := context.Background()

	state, err := cs.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseUnconfigured, state.Phase)

	_, err = cs.Reference(ctx)
	assert.True(t, errors.Is(err, ErrNotReady))

	state.Phase = models.PhaseReady
	state.Status = models.ActiveStatus()
	state.Credential = &models.CredentialReference{Name: "example-com-tls", Hostname: "example.com", Ready: true}
	require.NoError(t, cs.SaveState(ctx, state))

	// 第二次保存走替换路径
	require.NoError(t, cs.SaveState(ctx, state))

	loaded, err := cs.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)

	ref, err := cs.Reference(ctx)
	require.NoError(t, err)
	assert.Equal(t, "example-com-tls", ref.Name)

	loaded.Credential.Ready = false
	require.NoError(t, cs.SaveState(ctx, loaded))
	_, err = cs.Reference(ctx)
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestCheckCertificateExpiry(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		notAfter     time.Time
		needsRenewal bool
	}{
		{name: "fresh", notAfter: now.Add(80 * 24 * time.Hour), needsRenewal: false},
		{name: "inside renewal window", notAfter: now.Add(10 * 24 * time.Hour), needsRenewal: true},
		{name: "expired", notAfter: now.Add(-24 * time.Hour), needsRenewal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := generateCertPEM(t, "example.com", tt.notAfter)
			needsRenewal, expiry, err := checkCertificateExpiry(data, now)
			require.NoError(t, err)
			assert.Equal(t, tt.needsRenewal, needsRenewal)
			assert.True(t, expiry.Equal(tt.notAfter.Truncate(time.Second)))
		})
	}

	_, _, err := checkCertificateExpiry([]byte("fake-cert"), now)
	assert.Error(t, err)
}

func TestCertificateServiceSaveStateUsesResourceVersion(t *testing.T) {
	existing := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "certbot-k8s-state", Namespace: "default", ResourceVersion: "42"},
		Data:       map[string][]byte{"context": []byte(`{"phase":"Configuring","status":{"kind":"waiting"}}`)},
	}
	clientset := fake.NewSimpleClientset(existing)
	cs := NewCertificateService(clientset, "default", "certbot-k8s-state")
	ctx := context.Background()

	state, err := cs.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", state.ResourceVersion)

	clientset.PrependReactor("update", "secrets", func(action k8stesting.Action) (bool, runtime.Object, error) {
		secret := action.(k8stesting.UpdateAction).GetObject().(*corev1.Secret)
		if secret.ResourceVersion != "43" {
			return true, nil, apierrors.NewConflict(schema.GroupResource{Resource: "secrets"}, secret.Name, errors.New("modified"))
		}
		return false, nil, nil
	})

	state.Phase = models.PhaseReady
	err = cs.SaveState(ctx, state)
	assert.True(t, apierrors.IsConflict(err), "got %v", err)

	state.ResourceVersion = "43"
	require.NoError(t, cs.SaveState(ctx, state))
}
