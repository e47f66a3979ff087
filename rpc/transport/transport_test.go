package transport_test

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dBoard/rpc/common"
	"github.com/ValentinKolb/dBoard/rpc/transport"
	"github.com/ValentinKolb/dBoard/rpc/transport/http"
	"github.com/ValentinKolb/dBoard/rpc/transport/tcp"
	"github.com/ValentinKolb/dBoard/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transportCase struct {
	name     string
	server   func() transport.IRPCServerTransport
	client   transport.ClientFactory
	endpoint func(t *testing.T) string
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dboard")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "rpc.sock")
}

var transportCases = []transportCase{
	{"tcp", tcp.NewTCPServerTransport, tcp.NewTCPClientTransport, freePort},
	{"unix", unix.NewUnixDefaultServerTransport, unix.NewUnixClientTransport, socketPath},
	{"http", http.NewHttpServerTransport, http.NewHttpClientTransport, freePort},
}

// echo answers with the route followed by the request
func echo(route uint64, req []byte) []byte {
	return append([]byte(fmt.Sprintf("%d:", route)), req...)
}

// serve starts the server transport and connects a client to it
func serve(t *testing.T, tc transportCase) (transport.IRPCServerTransport, transport.IRPCClientTransport, chan error) {
	t.Helper()
	endpoint := tc.endpoint(t)

	server := tc.server()
	server.RegisterHandler(echo)
	served := make(chan error, 1)
	go func() {
		served <- server.Listen(common.ServerConfig{
			TimeoutSecond: 5,
			Transport:     common.ServerTransportConfig{Endpoint: endpoint},
		})
	}()
	t.Cleanup(func() { _ = server.Close() })

	client := tc.client()
	config := common.ClientConfig{
		TimeoutSecond: 5,
		Transport: common.ClientTransportConfig{
			Endpoints:              []string{endpoint},
			RetryCount:             1,
			ConnectionsPerEndpoint: 2,
		},
	}
	require.Eventually(t, func() bool {
		if err := client.Connect(config); err != nil {
			return false
		}
		_, err := client.Send(1, []byte("ping"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "%s server not reachable", tc.name)
	t.Cleanup(func() { _ = client.Close() })

	return server, client, served
}

func TestTransport_RoundTrip(t *testing.T) {
	for _, tc := range transportCases {
		t.Run(tc.name, func(t *testing.T) {
			_, client, _ := serve(t, tc)

			resp, err := client.Send(2, []byte("hello"))
			require.NoError(t, err)
			assert.Equal(t, "2:hello", string(resp))

			resp, err = client.Send(1, nil)
			require.NoError(t, err)
			assert.Equal(t, "1:", string(resp))
		})
	}
}

func TestTransport_ConcurrentRequests(t *testing.T) {
	for _, tc := range transportCases {
		t.Run(tc.name, func(t *testing.T) {
			_, client, _ := serve(t, tc)

			var wg sync.WaitGroup
			errs := make(chan error, 50)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					req := fmt.Sprintf("request-%d", i)
					resp, err := client.Send(1, []byte(req))
					if err != nil {
						errs <- err
						return
					}
					if string(resp) != "1:"+req {
						errs <- fmt.Errorf("response %q for request %q", resp, req)
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransport_CloseStopsListen(t *testing.T) {
	for _, tc := range transportCases {
		t.Run(tc.name, func(t *testing.T) {
			server, _, served := serve(t, tc)

			require.NoError(t, server.Close())
			select {
			case err := <-served:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatalf("listen did not return after close")
			}
			assert.NoError(t, server.Close())
		})
	}
}
