package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/rpc/client"
	"github.com/ValentinKolb/kvhost/rpc/common"
	"github.com/ValentinKolb/kvhost/rpc/serializer"
	"github.com/ValentinKolb/kvhost/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func testConfig(t *testing.T) common.ServerConfig {
	t.Helper()
	dir := t.TempDir()

	config := common.DefaultServerConfig()
	config.DatabaseStore = filepath.Join(dir, "manifest.yaml")
	config.DatabasesStoragePath = filepath.Join(dir, "databases")
	config.UnixSocket = filepath.Join(dir, "kvhost.sock")
	config.LogLevel = "error"
	return config
}

func startServer(t *testing.T, config common.ServerConfig) *Server {
	t.Helper()
	s, err := Start(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func connect(t *testing.T, config common.ServerConfig) *client.Client {
	t.Helper()
	clientConfig := common.DefaultClientConfig("unix", config.UnixSocket)
	clientConfig.Serializer = config.Serializer
	c, err := client.New(clientConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func keys(pairs []common.KVPair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = string(p.Key)
	}
	return out
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestStartRejectsInvalidConfig(t *testing.T) {
	config := testConfig(t)
	config.UnixSocket = ""
	config.Port = 0

	_, err := Start(config)
	require.Error(t, err)
}

func TestStartFailsOnCorruptManifest(t *testing.T) {
	config := testConfig(t)
	require.NoError(t, os.WriteFile(config.DatabaseStore, []byte("databases: [unterminated"), 0o600))

	_, err := Start(config)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrManifestCorrupt))
}

func TestDefaultDatabaseRouting(t *testing.T) {
	config := testConfig(t)
	startServer(t, config)
	c := connect(t, config)

	require.NoError(t, c.Database("").Put([]byte("k"), []byte("v")))

	value, loaded, err := c.Database(config.DefaultDB).Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, []byte("v"), value)

	_, _, err = c.Database("missing").Get([]byte("k"))
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)
}

func TestNoDefaultDatabase(t *testing.T) {
	config := testConfig(t)
	config.DefaultDB = ""
	startServer(t, config)
	c := connect(t, config)

	_, _, err := c.Database("").Get([]byte("k"))
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)

	dbs, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, dbs)
}

func TestDataOperations(t *testing.T) {
	for _, ser := range []string{"binary", "json", "gob"} {
		t.Run(ser, func(t *testing.T) {
			config := testConfig(t)
			config.Serializer = ser
			startServer(t, config)
			c := connect(t, config)

			_, err := c.Create("users", "", "")
			require.NoError(t, err)
			db := c.Database("users")

			for _, k := range []string{"a", "b", "c", "d"} {
				require.NoError(t, db.Put([]byte(k), []byte("value-"+k)))
			}

			// range bounds are inclusive
			pairs, err := db.Range([]byte("b"), []byte("c"), 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, keys(pairs))
			assert.Equal(t, []byte("value-b"), pairs[0].Value)

			pairs, err = db.Range([]byte("b"), nil, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c", "d"}, keys(pairs))

			pairs, err = db.Range([]byte("a"), nil, 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, keys(pairs))

			_, err = db.Range([]byte("c"), []byte("a"), 0)
			assert.True(t, errors.Is(err, errs.ErrInvalidArgument), "got %v", err)

			pairs, err = db.Slice([]byte("b"), 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, keys(pairs))

			require.NoError(t, db.Batch([]common.BatchOp{
				{Key: []byte("e"), Value: []byte("value-e")},
				{Delete: true, Key: []byte("a")},
			}))
			ok, err := db.Has([]byte("a"))
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = db.Has([]byte("e"))
			require.NoError(t, err)
			assert.True(t, ok)

			pairs, missing, err := db.MGet([][]byte{[]byte("b"), []byte("zz")})
			require.NoError(t, err)
			assert.True(t, missing)
			require.Len(t, pairs, 2)
			assert.True(t, pairs[0].Found)
			assert.Equal(t, []byte("value-b"), pairs[0].Value)
			assert.False(t, pairs[1].Found)

			_, missing, err = db.MGet([][]byte{[]byte("b"), []byte("c")})
			require.NoError(t, err)
			assert.False(t, missing)

			require.NoError(t, db.Delete([]byte("b")))
			_, loaded, err := db.Get([]byte("b"))
			require.NoError(t, err)
			assert.False(t, loaded)

			_, _, err = db.Get(nil)
			assert.True(t, errors.Is(err, errs.ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestMalformedPayloadKeepsConnection(t *testing.T) {
	config := testConfig(t)
	startServer(t, config)

	ser := serializer.NewBinarySerializer()
	tr := unix.NewUnixClientTransport()
	clientConfig := common.DefaultClientConfig("unix", config.UnixSocket)
	require.NoError(t, tr.Connect(clientConfig))
	defer tr.Close()

	respBytes, err := tr.Send([]byte{0xff})
	require.NoError(t, err)
	var resp common.Message
	require.NoError(t, ser.Deserialize(respBytes, &resp))
	assert.True(t, errors.Is(resp.Error(), errs.ErrProtocol), "got %v", resp.Error())

	// unknown message types are protocol errors too
	reqBytes, err := ser.Serialize(common.Message{MsgType: common.MsgTSuccess})
	require.NoError(t, err)
	respBytes, err = tr.Send(reqBytes)
	require.NoError(t, err)
	require.NoError(t, ser.Deserialize(respBytes, &resp))
	assert.True(t, errors.Is(resp.Error(), errs.ErrProtocol), "got %v", resp.Error())

	// the same connection still serves requests
	reqBytes, err = ser.Serialize(*common.NewPutRequest("", []byte("k"), []byte("v")))
	require.NoError(t, err)
	respBytes, err = tr.Send(reqBytes)
	require.NoError(t, err)
	require.NoError(t, ser.Deserialize(respBytes, &resp))
	assert.NoError(t, resp.Error())
	assert.Equal(t, common.MsgTPut, resp.MsgType)
}

func TestDatabaseLifecycle(t *testing.T) {
	config := testConfig(t)
	startServer(t, config)
	c := connect(t, config)

	created, err := c.Create("tmp", "", "bolt")
	require.NoError(t, err)
	assert.Equal(t, "bolt", created.Engine)
	assert.NotEmpty(t, created.UID)
	assert.Equal(t, filepath.Join(config.DatabasesStoragePath, "tmp"), created.Path)

	_, err = c.Create("tmp", "", "")
	assert.True(t, errors.Is(err, errs.ErrAlreadyExists), "got %v", err)

	_, err = c.Create("", "", "")
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument), "got %v", err)

	info, err := c.Connect("tmp")
	require.NoError(t, err)
	assert.True(t, info.Mounted)
	assert.Equal(t, created.UID, info.UID)

	_, err = c.Drop("tmp")
	assert.True(t, errors.Is(err, errs.ErrStillMounted), "got %v", err)

	info, err = c.Unmount("tmp", false)
	require.NoError(t, err)
	assert.False(t, info.Mounted)

	_, err = c.Unmount("tmp", false)
	assert.True(t, errors.Is(err, errs.ErrNotMounted), "got %v", err)

	_, err = c.Drop("tmp")
	require.NoError(t, err)
	_, err = os.Stat(created.Path)
	assert.True(t, os.IsNotExist(err), "data directory must be removed")

	_, err = c.Connect("tmp")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)

	_, err = c.Drop(config.DefaultDB)
	assert.True(t, errors.Is(err, errs.ErrForbidden), "got %v", err)

	info, err = c.Mount("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultDB, info.Name)
	assert.True(t, info.Mounted)
}

func TestCreateRejectsForeignPaths(t *testing.T) {
	config := testConfig(t)
	startServer(t, config)
	c := connect(t, config)

	precious := filepath.Join(t.TempDir(), "precious")
	require.NoError(t, os.MkdirAll(precious, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(precious, "data"), []byte("x"), 0o600))

	_, err := c.Create("evil", precious, "")
	assert.True(t, errors.Is(err, errs.ErrForbidden), "got %v", err)
	_, err = c.Create("evil", "../../precious", "")
	assert.True(t, errors.Is(err, errs.ErrForbidden), "got %v", err)

	// the default database directory can not be claimed by a second name
	_, err = c.Create("evil", filepath.Join(config.DatabasesStoragePath, config.DefaultDB), "")
	assert.True(t, errors.Is(err, errs.ErrAlreadyExists), "got %v", err)

	_, err = c.Drop("evil")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)
	_, err = os.Stat(filepath.Join(precious, "data"))
	assert.NoError(t, err)

	created, err := c.Create("nested", "team/nested", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(config.DatabasesStoragePath, "team", "nested"), created.Path)
}

func TestListAndStats(t *testing.T) {
	config := testConfig(t)
	startServer(t, config)
	c := connect(t, config)

	_, err := c.Create("metrics", "", "")
	require.NoError(t, err)

	info, err := c.Stats("metrics")
	require.NoError(t, err)
	assert.False(t, info.Mounted)
	assert.Zero(t, info.Operations)

	db := c.Database("metrics")
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}

	info, err = c.Stats("metrics")
	require.NoError(t, err)
	assert.True(t, info.Mounted)
	assert.Equal(t, int64(5), info.Operations)
	assert.NotZero(t, info.LastAccess)
	assert.Zero(t, info.Inflight)

	dbs, err := c.List()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, d := range dbs {
		names[d.Name] = d.Mounted
	}
	assert.Equal(t, map[string]bool{config.DefaultDB: false, "metrics": true}, names)

	_, err = c.Stats("nope")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)
}

func TestConcurrentClients(t *testing.T) {
	config := testConfig(t)
	startServer(t, config)
	c := connect(t, config)
	db := c.Database("")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := []byte(fmt.Sprintf("g%d-%d", g, i))
				assert.NoError(t, db.Put(key, key))
				value, loaded, err := db.Get(key)
				assert.NoError(t, err)
				assert.True(t, loaded)
				assert.Equal(t, key, value)
			}
		}(g)
	}
	wg.Wait()

	pairs, err := db.Range(nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, pairs, 8*50)
}

func TestShutdownUnmountsAndPersists(t *testing.T) {
	config := testConfig(t)

	s, err := Start(config)
	require.NoError(t, err)
	c := connect(t, config)

	_, err = c.Create("kept", "", "")
	require.NoError(t, err)
	require.NoError(t, c.Database("kept").Put([]byte("k"), []byte("v")))
	require.True(t, s.Registry().IsMounted("kept"))

	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, s.Registry().IsMounted("kept"))
	assert.Empty(t, s.Registry().Snapshot())

	// the manifest and the data survive a restart
	startServer(t, config)
	c2 := connect(t, config)
	value, loaded, err := c2.Database("kept").Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, []byte("v"), value)
}

func TestMajordomeEvictsIdleDatabases(t *testing.T) {
	config := testConfig(t)
	config.MajordomeInterval = 50 * time.Millisecond
	s := startServer(t, config)
	c := connect(t, config)

	require.NoError(t, c.Database("").Put([]byte("k"), []byte("v")))
	require.True(t, s.Registry().IsMounted(config.DefaultDB))

	require.Eventually(t, func() bool {
		return !s.Registry().IsMounted(config.DefaultDB)
	}, 5*time.Second, 20*time.Millisecond)

	// the next request mounts the database again
	value, loaded, err := c.Database("").Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, []byte("v"), value)
}

func TestAdminHTTP(t *testing.T) {
	config := testConfig(t)
	config.MetricsEndpoint = "127.0.0.1:0"
	s := startServer(t, config)
	c := connect(t, config)

	require.NoError(t, c.Database("").Put([]byte("k"), []byte("v")))
	base := "http://" + s.AdminAddr().String()

	get := func(path string) (int, []byte) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	status, _ := get("/healthz")
	assert.Equal(t, http.StatusOK, status)

	status, body := get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `kvhost_requests_total{op="put",code="OK"} 1`)
	assert.Contains(t, string(body), `kvhost_mounted_databases 1`)

	status, body = get("/databases")
	assert.Equal(t, http.StatusOK, status)
	var dbs []common.DatabaseInfo
	require.NoError(t, json.Unmarshal(body, &dbs))
	require.Len(t, dbs, 1)
	assert.Equal(t, config.DefaultDB, dbs[0].Name)
	assert.True(t, dbs[0].Mounted)

	status, _ = get("/databases/" + config.DefaultDB)
	assert.Equal(t, http.StatusOK, status)
	status, _ = get("/databases/nope")
	assert.Equal(t, http.StatusNotFound, status)
}
