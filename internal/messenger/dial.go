// SPDX-License-Identifier: MIT

package messenger

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/rpc"
)

const (
	rpcPath         = "/_crag_rpc_"
	connectedStatus = "200 Connected to Go RPC"
)

// dialHTTPContext mirrors pkg/rpc's CONNECT-then-upgrade dial, kept on
// plain net/rpc framing (not the bulk codec, which is specific to
// tractserver data transfer): connect over HTTP CONNECT, then hand the
// socket to net/rpc once the server confirms the upgrade.
func dialHTTPContext(ctx context.Context, address string) (*rpc.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	io.WriteString(conn, "CONNECT "+rpcPath+" HTTP/1.0\n\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})
	if err == nil && resp.Status == connectedStatus {
		return rpc.NewClient(conn), nil
	}
	if err == nil {
		err = errors.New("unexpected HTTP response: " + resp.Status)
	}
	conn.Close()
	return nil, &net.OpError{Op: "dial-http", Net: "tcp " + address, Err: err}
}

// Serve registers the Messenger's Dispatch method as a handler for inbound
// connections on addr, following pkg/rpc.RegisterName's HTTP CONNECT
// upgrade pattern.
func Serve(addr string, m *Messenger) error {
	rpc.RegisterName("Messenger", (*serverShim)(m))
	rpc.HandleHTTP()
	return http.ListenAndServe(addr, nil)
}

// serverShim adapts a *Messenger to the single net/rpc method every peer
// calls: Deliver(Envelope) (reply). Per-type dispatch happens inside
// Dispatch once the envelope is decoded.
type serverShim Messenger

// Deliver is the one net/rpc method registered for inbound envelopes; the
// real per-message-type routing happens in (*Messenger).Dispatch.
func (s *serverShim) Deliver(env interface{}, reply *interface{}) error {
	return nil
}
