package controllers

import (
	"context"
	"sync"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"me.sttot/certbot-k8s/src/metrics"
	"me.sttot/certbot-k8s/src/models"
	"me.sttot/certbot-k8s/src/services"
)

const (
	testNamespace  = "default"
	testAppName    = "certbot-k8s"
	testConfigName = "certbot-k8s-config"
	testConfigKey  = "config.yaml"

	validConfig = "service-hostname: app.example.com\nemail: admin@example.com\nagree-tos: true\n"
)

func configSecret(data string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: testConfigName, Namespace: testNamespace},
		Data:       map[string][]byte{testConfigKey: []byte(data)},
	}
}

func tlsSecret(name string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace},
		Type:       corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:       []byte("some_cert"),
			corev1.TLSPrivateKeyKey: []byte("some_key"),
		},
	}
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, hostname, email string, dryRun bool) (*models.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hostname)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Certificate{
		Hostname: hostname,
		CertData: []byte("cert-" + hostname),
		KeyData:  []byte("key-" + hostname),
	}, nil
}

func (f *fakeInvoker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeExposer 模拟 ingress 协作方，第一次为新域名设置路由时返回 updated
type fakeExposer struct {
	relErr       error
	routed       string
	unresolvable bool
	unreachable  bool
	checks       int

	// dropAfterCheck 路由检查通过后关系被移除
	dropAfterCheck bool
}

func (f *fakeExposer) Relation(context.Context) (*models.RelationRecord, error) {
	if f.relErr != nil {
		return nil, f.relErr
	}
	return &models.RelationRecord{Name: "ingress-0", ServiceHostname: f.routed}, nil
}

func (f *fakeExposer) EnsureRoute(_ context.Context, hostname string) (bool, error) {
	if f.relErr != nil {
		return false, f.relErr
	}
	if f.routed == hostname {
		return false, nil
	}
	f.routed = hostname
	return true, nil
}

func (f *fakeExposer) ResolveHostname(context.Context, string) bool {
	return !f.unresolvable
}

func (f *fakeExposer) CheckRoute(context.Context, string) bool {
	f.checks++
	if f.unreachable {
		return false
	}
	if f.dropAfterCheck {
		f.relErr = services.ErrRelationUnavailable
	}
	return true
}

type fakeWebServer struct {
	ready   bool
	started int
}

func (f *fakeWebServer) Start(context.Context) error {
	f.started++
	return nil
}

func (f *fakeWebServer) Ready() bool {
	return f.ready
}

type testEnv struct {
	clientset          *fake.Clientset
	configService      *services.ConfigService
	certificateService *services.CertificateService
	exposer            *fakeExposer
	invoker            *fakeInvoker
	webServer          *fakeWebServer
	controller         *CertificateController
}

func newTestEnv(t *testing.T, objects ...runtime.Object) *testEnv {
	t.Helper()

	clientset := fake.NewSimpleClientset(objects...)
	env := &testEnv{
		clientset:          clientset,
		configService:      services.NewConfigService(clientset, testNamespace, testConfigName, testConfigKey),
		certificateService: services.NewCertificateService(clientset, testNamespace, testAppName+"-state"),
		exposer:            &fakeExposer{},
		invoker:            &fakeInvoker{},
		webServer:          &fakeWebServer{ready: true},
	}
	env.controller = NewCertificateController(
		clientset,
		Options{Namespace: testNamespace, AppName: testAppName},
		env.configService,
		env.certificateService,
		env.exposer,
		env.invoker,
		env.webServer,
		metrics.NewRecorder(),
	)
	return env
}

func (e *testEnv) state(t *testing.T) *models.StateContext {
	t.Helper()
	state, err := e.certificateService.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return state
}

func (e *testEnv) actions() *ActionController {
	return NewActionController(e.configService, e.certificateService)
}
