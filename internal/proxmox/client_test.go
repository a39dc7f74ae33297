package proxmox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
)

// fakeAPI routes "METHOD path" to canned JSON data and records requests.
type fakeAPI struct {
	mu       sync.Mutex
	routes   map[string]interface{}
	status   map[string]int
	requests []*recordedRequest
}

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
	Auth   string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		routes: make(map[string]interface{}),
		status: make(map[string]int),
	}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/api2/json")
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))

	f.mu.Lock()
	f.requests = append(f.requests, &recordedRequest{
		Method: r.Method,
		Path:   path,
		Query:  r.URL.Query(),
		Form:   form,
		Auth:   r.Header.Get("Authorization"),
	})
	key := r.Method + " " + path
	data, ok := f.routes[key]
	code := f.status[key]
	f.mu.Unlock()

	if code != 0 {
		w.WriteHeader(code)
		fmt.Fprint(w, `{"data":null,"message":"failure"}`)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func (f *fakeAPI) route(key string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[key] = data
}

func (f *fakeAPI) last() *recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.ProxmoxConfig{
		TokenID:     "root@pam!proxbalance",
		TokenSecret: "secret",
	}, zap.NewNop(), WithBaseURL(srv.URL+"/api2/json"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

const upid = "UPID:pve1:0000ABCD:01:65F0:qmigrate:100:root@pam:"

// ============================================================================
// Construction
// ============================================================================

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(config.ProxmoxConfig{Host: "pve"}, zap.NewNop())
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

// ============================================================================
// Executor
// ============================================================================

func TestStartMigration(t *testing.T) {
	api := newFakeAPI()
	api.routes["POST /nodes/pve1/qemu/100/migrate"] = upid
	api.routes["POST /nodes/pve1/lxc/200/migrate"] = upid
	c := newTestClient(t, api)
	ctx := context.Background()

	taskID, err := c.StartMigration(ctx, "100", "pve1", "pve2", domain.GuestTypeVM)
	require.NoError(t, err)
	assert.Equal(t, upid, taskID)
	req := api.last()
	assert.Equal(t, "PVEAPIToken=root@pam!proxbalance=secret", req.Auth)
	assert.Equal(t, "pve2", req.Form.Get("target"))
	assert.Equal(t, "1", req.Form.Get("online"))

	_, err = c.StartMigration(ctx, "200", "pve1", "pve3", domain.GuestTypeCT)
	require.NoError(t, err)
	req = api.last()
	assert.Equal(t, "1", req.Form.Get("restart"))
	assert.Empty(t, req.Form.Get("online"))
}

func TestStartMigration_Rejected(t *testing.T) {
	api := newFakeAPI()
	api.status["POST /nodes/pve1/qemu/100/migrate"] = http.StatusInternalServerError
	c := newTestClient(t, api)

	_, err := c.StartMigration(context.Background(), "100", "pve1", "pve2", domain.GuestTypeVM)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrExecutor))
	assert.Contains(t, err.Error(), "status 500")
}

func TestPollTask(t *testing.T) {
	api := newFakeAPI()
	path := "/nodes/pve1/tasks/" + url.PathEscape(upid) + "/status"
	c := newTestClient(t, api)
	ctx := context.Background()

	api.route("GET "+path, map[string]interface{}{"status": "running"})
	status, err := c.PollTask(ctx, "pve1", upid)
	require.NoError(t, err)
	assert.False(t, status.Stopped())

	api.route("GET "+path, map[string]interface{}{"status": "stopped", "exitstatus": "OK"})
	status, err = c.PollTask(ctx, "pve1", upid)
	require.NoError(t, err)
	assert.True(t, status.Succeeded())

	api.route("GET "+path, map[string]interface{}{"status": "stopped", "exitstatus": "migration aborted"})
	status, err = c.PollTask(ctx, "pve1", upid)
	require.NoError(t, err)
	assert.False(t, status.Succeeded())
	assert.True(t, status.Aborted())
}

func TestTaskLog_Tail(t *testing.T) {
	api := newFakeAPI()
	var entries []map[string]interface{}
	for i := 1; i <= 5; i++ {
		entries = append(entries, map[string]interface{}{"n": i, "t": fmt.Sprintf("line %d", i)})
	}
	api.routes["GET /nodes/pve1/tasks/"+url.PathEscape(upid)+"/log"] = entries
	c := newTestClient(t, api)

	lines, err := c.TaskLog(context.Background(), "pve1", upid, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 4", "line 5"}, lines)
	assert.Equal(t, "0", api.last().Query.Get("start"))
}

func TestCancelTask(t *testing.T) {
	api := newFakeAPI()
	api.routes["DELETE /nodes/pve1/tasks/"+url.PathEscape(upid)] = nil
	c := newTestClient(t, api)

	require.NoError(t, c.CancelTask(context.Background(), "pve1", upid))
	assert.Equal(t, http.MethodDelete, api.last().Method)
}

func TestShutdownGuest(t *testing.T) {
	api := newFakeAPI()
	api.routes["POST /nodes/pve1/lxc/200/status/shutdown"] = "UPID:pve1:1:vzshutdown"
	c := newTestClient(t, api)

	taskID, err := c.ShutdownGuest(context.Background(), "pve1", "200", domain.GuestTypeCT)
	require.NoError(t, err)
	assert.Equal(t, "UPID:pve1:1:vzshutdown", taskID)
}

func TestListActiveMigrationTasks(t *testing.T) {
	api := newFakeAPI()
	api.routes["GET /cluster/tasks"] = []map[string]interface{}{
		{"upid": "u1", "node": "pve1", "id": "100", "type": "qmigrate", "pid": 1234},
		{"upid": "u2", "node": "pve2", "id": "200", "type": "vzmigrate", "pid": 99},
		{"upid": "u3", "node": "pve1", "id": "101", "type": "qmigrate", "pid": 55, "status": "OK"},
		{"upid": "u4", "node": "pve1", "id": "102", "type": "qmigrate"},
		{"upid": "u5", "node": "pve1", "id": "103", "type": "vzdump", "pid": 7},
	}
	c := newTestClient(t, api)

	tasks, err := c.ListActiveMigrationTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.ActiveTask{TaskID: "u1", Node: "pve1", GuestID: "100", Type: "qmigrate", PID: 1234}, tasks[0])
	assert.Equal(t, "200", tasks[1].GuestID)
}

// ============================================================================
// Storage
// ============================================================================

func TestListAvailableStorage(t *testing.T) {
	api := newFakeAPI()
	api.routes["GET /nodes/pve2/storage"] = []map[string]interface{}{
		{"storage": "local", "active": 1, "enabled": 1},
		{"storage": "local-lvm", "active": 1},
		{"storage": "ceph", "active": 0, "enabled": 1},
		{"storage": "nfs", "active": 1, "enabled": 0},
	}
	c := newTestClient(t, api)

	available, err := c.ListAvailableStorage(context.Background(), "pve2")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"local": true, "local-lvm": true}, available)
}

func TestGetGuestStorageRequirements(t *testing.T) {
	api := newFakeAPI()
	api.routes["GET /nodes/pve1/qemu/100/config"] = map[string]interface{}{
		"name":     "web",
		"scsi0":    "ceph:vm-100-disk-0,size=32G",
		"scsi1":    "local-lvm:vm-100-disk-1,size=8G",
		"efidisk0": "ceph:vm-100-disk-2,size=4M",
		"ide2":     "local:iso/debian.iso,media=cdrom",
		"net0":     "virtio=AA:BB:CC:DD:EE:FF,bridge=vmbr0",
		"cores":    4,
	}
	api.status["GET /nodes/pve1/qemu/200/config"] = http.StatusInternalServerError
	api.routes["GET /nodes/pve1/lxc/200/config"] = map[string]interface{}{
		"rootfs": "local-zfs:subvol-200-disk-0,size=8G",
		"mp0":    "/mnt/data,mp=/data",
		"mp1":    "nfs:200/vm-200-disk-1.raw,mp=/srv",
	}
	c := newTestClient(t, api)
	ctx := context.Background()

	vm, err := c.GetGuestStorageRequirements(ctx, "pve1", "100")
	require.NoError(t, err)
	assert.Equal(t, []string{"ceph", "local-lvm"}, vm)

	ct, err := c.GetGuestStorageRequirements(ctx, "pve1", "200")
	require.NoError(t, err)
	assert.Equal(t, []string{"local-zfs", "nfs"}, ct)

	_, err = c.GetGuestStorageRequirements(ctx, "pve1", "999")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestVolumeStorage(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"local-lvm:vm-100-disk-0,size=32G", "local-lvm"},
		{"none,media=cdrom", ""},
		{"local:iso/x.iso,media=cdrom", ""},
		{"/dev/disk/by-id/ata-XYZ,size=1T", ""},
		{"/mnt/data,mp=/data", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, volumeStorage(tt.value))
		})
	}
}
