package ldap

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wire "github.com/ldaptoid/ldaptoid/internal/protocol/ldap"
	"github.com/ldaptoid/ldaptoid/internal/protocol/ldap/ber"
	"github.com/ldaptoid/ldaptoid/pkg/directory"
)

// staticProvider serves a fixed snapshot.
type staticProvider struct {
	snap *directory.Snapshot
}

func (p *staticProvider) Current() *directory.Snapshot { return p.snap }

// testSnapshot builds the two-user fixture used across the protocol
// tests: alice (10042) and bob (10043) plus one real group.
func testSnapshot(t *testing.T) *directory.Snapshot {
	t.Helper()
	snap := &directory.Snapshot{
		Users: []directory.User{
			{
				ID: "u1", Username: "alice", DisplayName: "Alice Lidell",
				Email: "alice@example.com", UIDNumber: 10042,
				PrimaryGroupID: "synthetic:u1", PrimaryGID: 20042,
				MemberGroupIDs: []string{"g1"},
			},
			{
				ID: "u2", Username: "bob", DisplayName: "Bob Parr",
				UIDNumber: 10043,
				PrimaryGroupID: "synthetic:u2", PrimaryGID: 20043,
			},
		},
		Groups: []directory.Group{
			{
				ID: "g1", Name: "staff",
				MemberUserIDs: []string{"u1"}, MemberUsernames: []string{"alice"},
				GIDNumber: 30001,
			},
			{ID: "synthetic:u1", Name: "alice-primary", MemberUserIDs: []string{"u1"}, MemberUsernames: []string{"alice"}, GIDNumber: 20042, Synthetic: true},
			{ID: "synthetic:u2", Name: "bob-primary", MemberUserIDs: []string{"u2"}, MemberUsernames: []string{"bob"}, GIDNumber: 20043, Synthetic: true},
		},
		GeneratedAt: time.Now().UTC(),
		Sequence:    1,
	}
	snap.Freeze()
	return snap
}

// startServer runs an adapter on an ephemeral port and returns its
// address.
func startServer(t *testing.T, cfg Config, snap *directory.Snapshot) string {
	t.Helper()
	cfg.BindAddress = "127.0.0.1"
	cfg.ShutdownTimeout = time.Second
	if cfg.BaseDN == "" {
		cfg.BaseDN = "dc=example,dc=com"
	}

	srv, err := New(cfg, &staticProvider{snap: snap}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Log("server did not stop in time")
		}
	})
	return srv.GetListenerAddr()
}

// testClient is a minimal LDAP client for the wire tests.
type testClient struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(msg []byte) {
	_, err := c.conn.Write(msg)
	require.NoError(c.t, err)
}

// response is one decoded server PDU.
type response struct {
	msgID  int
	appTag byte

	// LDAPResult fields (result-shaped ops)
	code int
	diag string

	// SearchResultEntry fields
	dn    string
	attrs map[string][]string

	// raw controls element, nil when absent
	controls []byte
}

// read decodes the next PDU off the wire.
func (c *testClient) read() response {
	c.t.Helper()
	for {
		if total, err := ber.ElementLength(c.buf); err == nil && len(c.buf) >= total {
			frame := c.buf[:total]
			c.buf = c.buf[total:]
			return c.parse(frame)
		}
		chunk := make([]byte, 4096)
		n, err := c.conn.Read(chunk)
		require.NoError(c.t, err, "reading server response")
		c.buf = append(c.buf, chunk[:n]...)
	}
}

func (c *testClient) parse(frame []byte) response {
	c.t.Helper()
	env, err := ber.ReadTLV(bytes.NewReader(frame))
	require.NoError(c.t, err)

	r := bytes.NewReader(env.Value)
	idTLV, err := ber.ReadTLV(r)
	require.NoError(c.t, err)
	op, err := ber.ReadTLV(r)
	require.NoError(c.t, err)

	resp := response{msgID: ber.DecodeInt(idTLV.Value), appTag: op.TagNumber()}

	if r.Len() > 0 {
		ctl, err := ber.ReadTLV(r)
		if err == nil && ctl.Class() == ber.ClassContextSpecific && ctl.TagNumber() == 0 {
			resp.controls = ctl.Value
		}
	}

	inner := bytes.NewReader(op.Value)
	if op.TagNumber() == wire.AppSearchResultEntry {
		dnTLV, err := ber.ReadTLV(inner)
		require.NoError(c.t, err)
		resp.dn = string(dnTLV.Value)

		attrsTLV, err := ber.ReadTLV(inner)
		require.NoError(c.t, err)
		resp.attrs = map[string][]string{}
		rr := bytes.NewReader(attrsTLV.Value)
		for rr.Len() > 0 {
			attrTLV, err := ber.ReadTLV(rr)
			require.NoError(c.t, err)
			ar := bytes.NewReader(attrTLV.Value)
			nameTLV, err := ber.ReadTLV(ar)
			require.NoError(c.t, err)
			valsTLV, err := ber.ReadTLV(ar)
			require.NoError(c.t, err)
			var vals []string
			vr := bytes.NewReader(valsTLV.Value)
			for vr.Len() > 0 {
				v, err := ber.ReadTLV(vr)
				require.NoError(c.t, err)
				vals = append(vals, string(v.Value))
			}
			resp.attrs[string(nameTLV.Value)] = vals
		}
		return resp
	}

	codeTLV, err := ber.ReadTLV(inner)
	require.NoError(c.t, err)
	resp.code = ber.DecodeInt(codeTLV.Value)
	if matched, err := ber.ReadTLV(inner); err == nil {
		_ = matched
	}
	if diag, err := ber.ReadTLV(inner); err == nil {
		resp.diag = string(diag.Value)
	}
	return resp
}

// Client-side request encoders.

func msgEnvelope(msgID int, op []byte, controls []byte) []byte {
	var seq bytes.Buffer
	seq.Write(ber.Integer(msgID))
	seq.Write(op)
	if controls != nil {
		seq.Write(ber.Context(0, controls, true))
	}
	return ber.Sequence(seq.Bytes())
}

func bindRequest(msgID int, dn, password string) []byte {
	var body bytes.Buffer
	body.Write(ber.Integer(3))
	body.Write(ber.String(dn))
	body.Write(ber.Context(0, []byte(password), false))
	return msgEnvelope(msgID, ber.Application(wire.AppBindRequest, body.Bytes()), nil)
}

func saslBindRequest(msgID int) []byte {
	var sasl bytes.Buffer
	sasl.Write(ber.String("PLAIN"))
	var body bytes.Buffer
	body.Write(ber.Integer(3))
	body.Write(ber.String(""))
	body.Write(ber.Context(3, sasl.Bytes(), true))
	return msgEnvelope(msgID, ber.Application(wire.AppBindRequest, body.Bytes()), nil)
}

func unbindRequest(msgID int) []byte {
	return msgEnvelope(msgID, ber.Element(ber.ClassApplication|ber.Primitive|wire.AppUnbindRequest, nil), nil)
}

func presentFilter(attr string) []byte {
	return ber.Context(7, []byte(attr), false)
}

func eqFilter(attr, value string) []byte {
	var ava bytes.Buffer
	ava.Write(ber.String(attr))
	ava.Write(ber.String(value))
	return ber.Context(3, ava.Bytes(), true)
}

func extensibleFilter() []byte {
	return ber.Context(9, nil, true)
}

func searchRequest(msgID int, base string, scope int, sizeLimit int, typesOnly bool, filter []byte, attrs []string, controls []byte) []byte {
	var body bytes.Buffer
	body.Write(ber.String(base))
	body.Write(ber.Enumerated(scope))
	body.Write(ber.Enumerated(0))
	body.Write(ber.Integer(sizeLimit))
	body.Write(ber.Integer(0))
	body.Write(ber.Boolean(typesOnly))
	body.Write(filter)
	var attrSeq bytes.Buffer
	for _, a := range attrs {
		attrSeq.Write(ber.String(a))
	}
	body.Write(ber.Sequence(attrSeq.Bytes()))
	return msgEnvelope(msgID, ber.Application(wire.AppSearchRequest, body.Bytes()), controls)
}

func pagedControl(size int) []byte {
	var value bytes.Buffer
	value.Write(ber.Integer(size))
	value.Write(ber.OctetString(nil))

	var ctl bytes.Buffer
	ctl.Write(ber.String(wire.PagedResultsOID))
	ctl.Write(ber.OctetString(ber.Sequence(value.Bytes())))
	return ber.Sequence(ctl.Bytes())
}

func criticalControl(oid string) []byte {
	var ctl bytes.Buffer
	ctl.Write(ber.String(oid))
	ctl.Write(ber.Boolean(true))
	return ber.Sequence(ctl.Bytes())
}

// Scenario tests.

func TestRootDSESearch(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true, VendorVersion: "1.0.0"}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(searchRequest(1, "", wire.ScopeBaseObject, 0, false, presentFilter("objectClass"), nil, nil))

	entry := c.read()
	assert.Equal(t, byte(wire.AppSearchResultEntry), entry.appTag)
	assert.Equal(t, "", entry.dn)
	assert.Equal(t, []string{"dc=example,dc=com"}, entry.attrs["namingContexts"])
	assert.Equal(t, []string{"3"}, entry.attrs["supportedLDAPVersion"])
	assert.Equal(t, []string{wire.PagedResultsOID}, entry.attrs["supportedControl"])

	done := c.read()
	assert.Equal(t, byte(wire.AppSearchResultDone), done.appTag)
	assert.Equal(t, wire.ResultSuccess, done.code)
}

func TestAnonymousUserSearch(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(searchRequest(2, "ou=users,dc=example,dc=com", wire.ScopeWholeSubtree, 0, false,
		eqFilter("uid", "alice"), []string{"uid", "uidNumber"}, nil))

	entry := c.read()
	require.Equal(t, byte(wire.AppSearchResultEntry), entry.appTag)
	assert.Equal(t, 2, entry.msgID)
	assert.Equal(t, "uid=alice,ou=users,dc=example,dc=com", entry.dn)
	assert.Equal(t, map[string][]string{
		"uid":       {"alice"},
		"uidNumber": {"10042"},
	}, entry.attrs)

	done := c.read()
	assert.Equal(t, wire.ResultSuccess, done.code)
}

func TestPresenceSearchOrderingAndPagedControl(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(searchRequest(3, "ou=users,dc=example,dc=com", wire.ScopeWholeSubtree, 0, false,
		presentFilter("uid"), []string{"uid"}, pagedControl(1000)))

	first := c.read()
	second := c.read()
	require.Equal(t, byte(wire.AppSearchResultEntry), first.appTag)
	require.Equal(t, byte(wire.AppSearchResultEntry), second.appTag)
	assert.Equal(t, []string{"alice"}, first.attrs["uid"], "entries in ascending uid order")
	assert.Equal(t, []string{"bob"}, second.attrs["uid"])

	done := c.read()
	assert.Equal(t, wire.ResultSuccess, done.code)
	require.NotNil(t, done.controls, "paged control acknowledged on the Done")

	// The acknowledged control carries size=0 and an empty cookie.
	r := bytes.NewReader(done.controls)
	ctl, err := ber.ReadTLV(r)
	require.NoError(t, err)
	rr := bytes.NewReader(ctl.Value)
	oid, err := ber.ReadTLV(rr)
	require.NoError(t, err)
	assert.Equal(t, wire.PagedResultsOID, string(oid.Value))
	valTLV, err := ber.ReadTLV(rr)
	require.NoError(t, err)
	vr := bytes.NewReader(valTLV.Value)
	seqTLV, err := ber.ReadTLV(vr)
	require.NoError(t, err)
	sr := bytes.NewReader(seqTLV.Value)
	sizeTLV, err := ber.ReadTLV(sr)
	require.NoError(t, err)
	assert.Equal(t, 0, ber.DecodeInt(sizeTLV.Value))
	cookieTLV, err := ber.ReadTLV(sr)
	require.NoError(t, err)
	assert.Empty(t, cookieTLV.Value)
}

func TestSizeLimitExceeded(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(searchRequest(4, "ou=users,dc=example,dc=com", wire.ScopeWholeSubtree, 1, false,
		presentFilter("uid"), []string{"uid"}, nil))

	entry := c.read()
	require.Equal(t, byte(wire.AppSearchResultEntry), entry.appTag)

	done := c.read()
	assert.Equal(t, byte(wire.AppSearchResultDone), done.appTag)
	assert.Equal(t, wire.ResultSizeLimitExceeded, done.code)
}

func TestBindFailureThenUnauthorizedSearch(t *testing.T) {
	addr := startServer(t, Config{
		BindDN:       "cn=svc,dc=example,dc=com",
		BindPassword: "s3cret",
	}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(bindRequest(1, "cn=svc,dc=example,dc=com", "wrong"))
	resp := c.read()
	assert.Equal(t, byte(wire.AppBindResponse), resp.appTag)
	assert.Equal(t, wire.ResultInvalidCredentials, resp.code)

	c.send(searchRequest(2, "ou=users,dc=example,dc=com", wire.ScopeWholeSubtree, 0, false,
		presentFilter("uid"), nil, nil))
	done := c.read()
	assert.Equal(t, byte(wire.AppSearchResultDone), done.appTag)
	assert.Equal(t, wire.ResultInsufficientAccessRights, done.code)
}

func TestBindUnknownDNSameCodeAsWrongPassword(t *testing.T) {
	addr := startServer(t, Config{
		BindDN:       "cn=svc,dc=example,dc=com",
		BindPassword: "s3cret",
	}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(bindRequest(1, "cn=nobody,dc=example,dc=com", "whatever"))
	unknownDN := c.read()

	c.send(bindRequest(2, "cn=svc,dc=example,dc=com", "wrong"))
	wrongPW := c.read()

	assert.Equal(t, wire.ResultInvalidCredentials, unknownDN.code)
	assert.Equal(t, unknownDN.code, wrongPW.code,
		"unknown DN and wrong password are indistinguishable")
}

func TestServiceAccountBindThenSearch(t *testing.T) {
	addr := startServer(t, Config{
		BindDN:       "cn=svc,dc=example,dc=com",
		BindPassword: "s3cret",
	}, testSnapshot(t))
	c := dialClient(t, addr)

	// DN comparison is case-insensitive with whitespace collapsed.
	c.send(bindRequest(1, "CN=svc, DC=example, DC=com", "s3cret"))
	resp := c.read()
	require.Equal(t, wire.ResultSuccess, resp.code)

	c.send(searchRequest(2, "dc=example,dc=com", wire.ScopeWholeSubtree, 0, false,
		eqFilter("uid", "bob"), []string{"uid"}, nil))
	entry := c.read()
	assert.Equal(t, "uid=bob,ou=users,dc=example,dc=com", entry.dn)
	done := c.read()
	assert.Equal(t, wire.ResultSuccess, done.code)
}

func TestAnonymousBindPolicy(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		addr := startServer(t, Config{
			BindDN: "cn=svc,dc=example,dc=com", BindPassword: "pw",
			AllowAnonymousBind: true,
		}, testSnapshot(t))
		c := dialClient(t, addr)
		c.send(bindRequest(1, "", ""))
		assert.Equal(t, wire.ResultSuccess, c.read().code)
	})

	t.Run("denied", func(t *testing.T) {
		addr := startServer(t, Config{
			BindDN: "cn=svc,dc=example,dc=com", BindPassword: "pw",
		}, testSnapshot(t))
		c := dialClient(t, addr)
		c.send(bindRequest(1, "", ""))
		assert.Equal(t, wire.ResultInsufficientAccessRights, c.read().code)
	})
}

func TestSASLBindRefused(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(saslBindRequest(1))
	resp := c.read()
	assert.Equal(t, byte(wire.AppBindResponse), resp.appTag)
	assert.Equal(t, wire.ResultAuthMethodNotSupported, resp.code)
}

func TestExtensibleFilterRefused(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(searchRequest(1, "dc=example,dc=com", wire.ScopeWholeSubtree, 0, false,
		extensibleFilter(), nil, nil))
	done := c.read()
	assert.Equal(t, byte(wire.AppSearchResultDone), done.appTag)
	assert.Equal(t, wire.ResultUnwillingToPerform, done.code)
}

func TestUnsupportedOperationGetsProtocolError(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	// A ModifyRequest (empty body is fine; it is refused before parsing).
	c.send(msgEnvelope(7, ber.Application(wire.AppModifyRequest, nil), nil))
	resp := c.read()
	assert.Equal(t, 7, resp.msgID)
	assert.Equal(t, byte(wire.AppModifyResponse), resp.appTag)
	assert.Equal(t, wire.ResultProtocolError, resp.code)
}

func TestUnknownCriticalControlRefused(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(searchRequest(1, "dc=example,dc=com", wire.ScopeWholeSubtree, 0, false,
		presentFilter("uid"), nil, criticalControl("1.2.3.4.5")))
	done := c.read()
	assert.Equal(t, wire.ResultUnavailableCriticalExtension, done.code)
}

func TestScopeSemantics(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))

	collect := func(req []byte) []string {
		c := dialClient(t, addr)
		c.send(req)
		var dns []string
		for {
			resp := c.read()
			if resp.appTag == wire.AppSearchResultDone {
				require.Equal(t, wire.ResultSuccess, resp.code)
				return dns
			}
			dns = append(dns, resp.dn)
		}
	}

	// base scope on the suffix returns the suffix entry only.
	dns := collect(searchRequest(1, "dc=example,dc=com", wire.ScopeBaseObject, 0, false, presentFilter("objectClass"), nil, nil))
	assert.Equal(t, []string{"dc=example,dc=com"}, dns)

	// one level under the suffix: the two OUs.
	dns = collect(searchRequest(2, "dc=example,dc=com", wire.ScopeSingleLevel, 0, false, presentFilter("objectClass"), nil, nil))
	assert.Equal(t, []string{"ou=users,dc=example,dc=com", "ou=groups,dc=example,dc=com"}, dns)

	// one level under ou=users: the users.
	dns = collect(searchRequest(3, "ou=users,dc=example,dc=com", wire.ScopeSingleLevel, 0, false, presentFilter("objectClass"), nil, nil))
	assert.Equal(t, []string{
		"uid=alice,ou=users,dc=example,dc=com",
		"uid=bob,ou=users,dc=example,dc=com",
	}, dns)

	// whole subtree: OUs first, then users ascending, then groups ascending.
	dns = collect(searchRequest(4, "dc=example,dc=com", wire.ScopeWholeSubtree, 0, false, presentFilter("objectClass"), nil, nil))
	assert.Equal(t, []string{
		"dc=example,dc=com",
		"ou=users,dc=example,dc=com",
		"ou=groups,dc=example,dc=com",
		"uid=alice,ou=users,dc=example,dc=com",
		"uid=bob,ou=users,dc=example,dc=com",
		"cn=alice-primary,ou=groups,dc=example,dc=com",
		"cn=bob-primary,ou=groups,dc=example,dc=com",
		"cn=staff,ou=groups,dc=example,dc=com",
	}, dns)
}

func TestSearchOutsideSuffixReturnsNothing(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(searchRequest(1, "dc=other,dc=org", wire.ScopeWholeSubtree, 0, false, presentFilter("uid"), nil, nil))
	done := c.read()
	assert.Equal(t, byte(wire.AppSearchResultDone), done.appTag)
	assert.Equal(t, wire.ResultSuccess, done.code)
}

func TestSearchMissingEntry(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(searchRequest(1, "uid=carol,ou=users,dc=example,dc=com", wire.ScopeBaseObject, 0, false, presentFilter("uid"), nil, nil))
	done := c.read()
	assert.Equal(t, wire.ResultNoSuchObject, done.code)
}

func TestTypesOnly(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(searchRequest(1, "uid=alice,ou=users,dc=example,dc=com", wire.ScopeBaseObject, 0, true,
		presentFilter("uid"), []string{"uid", "uidNumber"}, nil))
	entry := c.read()
	require.Equal(t, byte(wire.AppSearchResultEntry), entry.appTag)
	assert.Contains(t, entry.attrs, "uid")
	assert.Empty(t, entry.attrs["uid"], "typesOnly omits values")

	done := c.read()
	assert.Equal(t, wire.ResultSuccess, done.code)
}

func TestNoSnapshotUnavailable(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, nil)
	c := dialClient(t, addr)

	// RootDSE still works without a snapshot.
	c.send(searchRequest(1, "", wire.ScopeBaseObject, 0, false, presentFilter("objectClass"), nil, nil))
	entry := c.read()
	assert.Equal(t, byte(wire.AppSearchResultEntry), entry.appTag)
	assert.Equal(t, wire.ResultSuccess, c.read().code)

	// Anything under the suffix reports unavailable.
	c.send(searchRequest(2, "dc=example,dc=com", wire.ScopeWholeSubtree, 0, false, presentFilter("uid"), nil, nil))
	done := c.read()
	assert.Equal(t, wire.ResultUnavailable, done.code)
}

func TestRepeatedBaseSearchIsIdempotent(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	read := func(msgID int) response {
		c.send(searchRequest(msgID, "uid=alice,ou=users,dc=example,dc=com", wire.ScopeBaseObject, 0, false,
			presentFilter("objectClass"), nil, nil))
		entry := c.read()
		require.Equal(t, byte(wire.AppSearchResultEntry), entry.appTag)
		require.Equal(t, wire.ResultSuccess, c.read().code)
		return entry
	}

	first := read(1)
	second := read(2)
	assert.Equal(t, first.dn, second.dn)
	assert.Equal(t, first.attrs, second.attrs)
}

func TestUnbindClosesConnection(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	c.send(unbindRequest(1))

	// The server closes without a response; the next read hits EOF.
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	one := make([]byte, 1)
	_, err := c.conn.Read(one)
	assert.Error(t, err)
}

func TestPipelinedRequestsAnswerInOrder(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	// Two searches written back to back in one TCP segment.
	var pipeline []byte
	pipeline = append(pipeline, searchRequest(10, "uid=alice,ou=users,dc=example,dc=com", wire.ScopeBaseObject, 0, false, presentFilter("uid"), []string{"uid"}, nil)...)
	pipeline = append(pipeline, searchRequest(11, "uid=bob,ou=users,dc=example,dc=com", wire.ScopeBaseObject, 0, false, presentFilter("uid"), []string{"uid"}, nil)...)
	c.send(pipeline)

	entry := c.read()
	assert.Equal(t, 10, entry.msgID)
	assert.Equal(t, 10, c.read().msgID)

	entry = c.read()
	assert.Equal(t, 11, entry.msgID)
	assert.Equal(t, []string{"bob"}, entry.attrs["uid"])
	assert.Equal(t, 11, c.read().msgID)
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	addr := startServer(t, Config{AllowAnonymousBind: true}, testSnapshot(t))
	c := dialClient(t, addr)

	// An OCTET STRING where the LDAPMessage SEQUENCE belongs.
	c.send(ber.OctetString([]byte("garbage")))

	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	one := make([]byte, 1)
	_, err := c.conn.Read(one)
	assert.Error(t, err, "connection closes on an irrecoverable decode error")
}
