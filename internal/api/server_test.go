package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sliceforge/orchestrator/internal/auth"
	"github.com/sliceforge/orchestrator/internal/config"
	"github.com/sliceforge/orchestrator/internal/drivers"
	"github.com/sliceforge/orchestrator/internal/images"
	"github.com/sliceforge/orchestrator/internal/lifecycle"
	"github.com/sliceforge/orchestrator/internal/model"
	"github.com/sliceforge/orchestrator/internal/secgroup"
)

// --- fakes shared by this package's tests ---

type fakeSliceStore struct {
	slices map[int]*model.Slice
	nextID int
}

func newFakeSliceStore() *fakeSliceStore {
	return &fakeSliceStore{slices: make(map[int]*model.Slice), nextID: 1}
}

func (f *fakeSliceStore) InsertSlice(ctx context.Context, sl *model.Slice) (int, error) {
	id := f.nextID
	f.nextID++
	cp := *sl
	cp.ID = id
	f.slices[id] = &cp
	return id, nil
}
func (f *fakeSliceStore) GetSlice(ctx context.Context, id int) (*model.Slice, error) {
	sl, ok := f.slices[id]
	if !ok {
		return nil, errNotFound
	}
	return sl, nil
}
func (f *fakeSliceStore) ListSlices(ctx context.Context, userID int, admin bool) ([]*model.Slice, error) {
	var out []*model.Slice
	for _, sl := range f.slices {
		if admin || sl.UserID == userID {
			out = append(out, sl)
		}
	}
	return out, nil
}
func (f *fakeSliceStore) GetSecurityGroupByName(ctx context.Context, sliceID int, name string) (*model.SecurityGroup, error) {
	return nil, errNotFound
}
func (f *fakeSliceStore) ListSecurityGroups(ctx context.Context, sliceID int) ([]*model.SecurityGroup, error) {
	return nil, nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

var errNotFound = notFoundError{}

// noopDriver implements drivers.Driver with no-ops, enough to build the
// facades the lifecycle/secgroup services this package's tests need.
type noopDriver struct{}

func (noopDriver) Deploy(ctx context.Context, slice model.Slice) (drivers.DeployResult, error) {
	return drivers.DeployResult{}, nil
}
func (noopDriver) Delete(ctx context.Context, sliceID int) error                { return nil }
func (noopDriver) Pause(ctx context.Context, sliceID int) error                 { return nil }
func (noopDriver) Resume(ctx context.Context, sliceID int) error                { return nil }
func (noopDriver) Shutdown(ctx context.Context, sliceID int) error              { return nil }
func (noopDriver) Start(ctx context.Context, sliceID int) error                 { return nil }
func (noopDriver) PauseVM(ctx context.Context, sliceID int, vm string) error    { return nil }
func (noopDriver) ResumeVM(ctx context.Context, sliceID int, vm string) error   { return nil }
func (noopDriver) ShutdownVM(ctx context.Context, sliceID int, vm string) error { return nil }
func (noopDriver) StartVM(ctx context.Context, sliceID int, vm string) error    { return nil }
func (noopDriver) CreateSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) (string, error) {
	return "", nil
}
func (noopDriver) DeleteSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) error {
	return nil
}
func (noopDriver) DeleteDefaultSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) error {
	return nil
}
func (noopDriver) AddSecurityGroupRule(ctx context.Context, sliceID int, sg model.SecurityGroup, rule model.SecurityGroupRule) (string, error) {
	return "", nil
}
func (noopDriver) RemoveSecurityGroupRule(ctx context.Context, sliceID int, sg model.SecurityGroup, rule model.SecurityGroupRule) error {
	return nil
}

type fakeSGStore struct{}

func (fakeSGStore) GetSecurityGroupTemplate(ctx context.Context) (*model.SecurityGroup, error) {
	return &model.SecurityGroup{}, nil
}
func (fakeSGStore) GetSecurityGroupByName(ctx context.Context, sliceID int, name string) (*model.SecurityGroup, error) {
	return nil, errNotFound
}
func (fakeSGStore) ListSecurityGroups(ctx context.Context, sliceID int) ([]*model.SecurityGroup, error) {
	return nil, nil
}
func (fakeSGStore) InsertSecurityGroup(ctx context.Context, sg *model.SecurityGroup) (int, error) {
	return 1, nil
}
func (fakeSGStore) UpdateSecurityGroupRules(ctx context.Context, id int, rules []model.SecurityGroupRule, expectedUpdatedAt time.Time) (bool, error) {
	return true, nil
}
func (fakeSGStore) UpdateSecurityGroupForeignID(ctx context.Context, id int, foreignID string) error {
	return nil
}
func (fakeSGStore) DeleteSecurityGroup(ctx context.Context, id int) error { return nil }

type fakeImageStore struct{}

func (fakeImageStore) InsertImage(ctx context.Context, img *model.Image) (int, error) { return 1, nil }
func (fakeImageStore) GetImage(ctx context.Context, id int) (*model.Image, error) {
	return &model.Image{ID: id}, nil
}
func (fakeImageStore) ListImages(ctx context.Context) ([]*model.Image, error) { return nil, nil }
func (fakeImageStore) UpdateImageStatus(ctx context.Context, id int, status model.ImageStatus) error {
	return nil
}
func (fakeImageStore) UpdateImageForeignID(ctx context.Context, id int, foreignID string) error {
	return nil
}
func (fakeImageStore) DeleteImage(ctx context.Context, id int) error { return nil }

type fakePusher struct{}

func (fakePusher) PushImage(ctx context.Context, localPath string, img model.Image) (string, error) {
	return "", nil
}
func (fakePusher) DeleteImage(ctx context.Context, img model.Image) error { return nil }

type fakePublisher struct {
	published [][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, body []byte) error {
	f.published = append(f.published, body)
	return nil
}

// lifecycleStoreAdapter satisfies lifecycle.Store on top of fakeSliceStore.
type lifecycleStoreAdapter struct{ *fakeSliceStore }

func (a lifecycleStoreAdapter) UpdateSliceVMsAndState(ctx context.Context, id int, vms []model.VM, runtime model.RuntimeState) error {
	sl := a.slices[id]
	sl.VMs = vms
	sl.RuntimeState = runtime
	return nil
}
func (a lifecycleStoreAdapter) UpdateSliceKind(ctx context.Context, id int, kind model.LifecycleKind) error {
	a.slices[id].Kind = kind
	return nil
}
func (a lifecycleStoreAdapter) UpdateSliceVLANs(ctx context.Context, id int, vlans []int, kind model.LifecycleKind) error {
	a.slices[id].VLANs = vlans
	return nil
}
func (a lifecycleStoreAdapter) DeleteLedgerEntriesForSlice(ctx context.Context, zone model.Zone, sliceID int) error {
	return nil
}
func (a lifecycleStoreAdapter) ReleaseVNC(ctx context.Context, sliceID int) error { return nil }

func (f *fakeSliceStore) asLifecycleStore() lifecycle.Store { return lifecycleStoreAdapter{f} }

func newTestServer(t *testing.T, store *fakeSliceStore, broker Publisher) *Server {
	t.Helper()
	facade := drivers.NewFacade(noopDriver{}, noopDriver{})
	engine := lifecycle.New(store.asLifecycleStore(), facade)
	sgSvc := secgroup.New(fakeSGStore{}, facade)
	imgSvc := images.New(fakeImageStore{}, config.ImagesConfig{}, fakePusher{}, fakePusher{}, slog.Default())
	return NewServer(Deps{
		Addr:   ":0",
		Logger: slog.Default(),
		Store:  store,
		Engine: engine,
		SG:     sgSvc,
		Images: imgSvc,
		Broker: broker,
		Verify: auth.New("test-secret"),
	})
}

func signToken(t *testing.T, id int, rol string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id": id, "correo": "u@example.com", "rol": rol,
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	srv := newTestServer(t, newFakeSliceStore(), &fakePublisher{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListSlices_RejectsMissingToken(t *testing.T) {
	srv := newTestServer(t, newFakeSliceStore(), &fakePublisher{})
	req := httptest.NewRequest(http.MethodGet, "/slices", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetSlice_ForbidsNonOwner(t *testing.T) {
	store := newFakeSliceStore()
	store.slices[1] = &model.Slice{ID: 1, UserID: 42, Kind: model.KindDeployed}
	srv := newTestServer(t, store, &fakePublisher{})

	req := httptest.NewRequest(http.MethodGet, "/slices/1", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, 7, "cliente"))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetSlice_AdminSeesAnySlice(t *testing.T) {
	store := newFakeSliceStore()
	store.slices[1] = &model.Slice{ID: 1, UserID: 42, Kind: model.KindDeployed}
	srv := newTestServer(t, store, &fakePublisher{})

	req := httptest.NewRequest(http.MethodGet, "/slices/1", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, 99, "admin"))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteSlice_OwnerCanDeleteOwnSlice(t *testing.T) {
	store := newFakeSliceStore()
	store.slices[10] = &model.Slice{ID: 10, UserID: 1, Zone: model.ZoneLinux, Kind: model.KindDeployed}
	srv := newTestServer(t, store, &fakePublisher{})

	req := httptest.NewRequest(http.MethodDelete, "/slices/10", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, 1, "cliente"))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.slices[10].Kind != model.KindDeleted {
		t.Fatalf("expected slice marked deleted, got %s", store.slices[10].Kind)
	}
}

func TestCreateSlice_PublishesAndAwaitsCompletion(t *testing.T) {
	store := newFakeSliceStore()
	broker := &fakePublisher{}
	srv := newTestServer(t, store, broker)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Wait until the slice row exists, then signal completion, like
		// the placement-stage consumer would after a successful deploy.
		for i := 0; i < 200; i++ {
			if len(store.slices) > 0 {
				for id := range store.slices {
					srv.CompleteSlice(id, nil)
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	body, _ := json.Marshal(model.CreateSliceRequest{
		NombreSlice:    "demo",
		ZonaDespliegue: model.ZoneLinux,
		SolicitudJSON: model.SolicitudJSON{
			TotalVMs: 2,
			Topologias: []model.Topology{{
				Nombre:      model.TopologyLine,
				CantidadVMs: "2",
				VMs: []model.VMSize{
					{Nombre: "vm1", Cores: "1", RAM: "512M", Almacenamiento: "1G", Image: "ubuntu", Internet: "no"},
					{Nombre: "vm2", Cores: "1", RAM: "512M", Almacenamiento: "1G", Image: "ubuntu", Internet: "no"},
				},
			}},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/slices", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, 1, "cliente"))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	<-done

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(broker.published) != 1 {
		t.Fatalf("expected one message published, got %d", len(broker.published))
	}
}

func TestCreateSlice_RejectsUnknownZone(t *testing.T) {
	srv := newTestServer(t, newFakeSliceStore(), &fakePublisher{})
	body, _ := json.Marshal(map[string]any{"nombre_slice": "x", "zona_despliegue": "mars"})
	req := httptest.NewRequest(http.MethodPost, "/slices", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, 1, "cliente"))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdmitImage_RequiresAdmin(t *testing.T) {
	srv := newTestServer(t, newFakeSliceStore(), &fakePublisher{})
	body, _ := json.Marshal(admitURLRequest{URL: "http://example.invalid/img.qcow2", Name: "x"})
	req := httptest.NewRequest(http.MethodPost, "/images", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, 1, "cliente"))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}
