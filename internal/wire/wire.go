// Package wire is the thin pgproto3 translation layer over
// internal/session: it owns the TCP connection, runs the startup
// handshake, and turns internal/session's protocol-agnostic results
// into pgproto3 backend messages and vice versa. Nothing in here
// decides SQL semantics; that is session's job.
package wire

import (
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/lib/pq/oid"
	"go.uber.org/zap"

	"github.com/arbor-db/arbor/internal/catalog"
	"github.com/arbor-db/arbor/internal/logutil"
	"github.com/arbor-db/arbor/internal/planner"
	"github.com/arbor-db/arbor/internal/session"
	"github.com/arbor-db/arbor/internal/supervisor"
	"github.com/arbor-db/arbor/internal/types"
)

// protoVersion3 is the only startup protocol version arbor accepts;
// pgproto3 already rejects anything else while parsing the
// StartupMessage, so this constant exists only for the log line.
const protoVersion3 = 196608

// ServerVersion is the fixed server_version value reported in
// ParameterStatus during startup.
const ServerVersion = "12.4"

// Conn is one accepted client connection's handler loop.
type Conn struct {
	netConn net.Conn
	backend *pgproto3.Backend
	cat     *catalog.Catalog
	sup     *supervisor.Supervisor
	log     *zap.Logger

	sess         *session.Session
	supConn      *supervisor.Conn
	txStatus     byte
	errorPending bool
}

// NewConn wraps an accepted connection. Call Serve to run its handshake
// and message loop; Serve always closes netConn before returning.
func NewConn(netConn net.Conn, cat *catalog.Catalog, sup *supervisor.Supervisor) *Conn {
	// traceID correlates a connection's log lines independently of its
	// BackendKeyData id, which is small and guessable by design (it's a
	// cancel-request capability token, not a log-correlation key).
	traceID := uuid.NewString()
	return &Conn{
		netConn:  netConn,
		backend:  pgproto3.NewBackend(netConn, netConn),
		cat:      cat,
		sup:      sup,
		log:      zap.L().With(zap.String("remote", netConn.RemoteAddr().String()), zap.String("trace_id", traceID)),
		sess:     session.New(cat),
		txStatus: 'I',
	}
}

// Serve runs the handshake and then the message loop until the client
// disconnects, sends Terminate, or a transport error occurs. It never
// returns an error for a clean client-initiated close.
func (c *Conn) Serve() error {
	defer c.netConn.Close()
	defer func() {
		if c.supConn != nil {
			c.sup.Unregister(c.supConn.ID)
		}
	}()

	cancelled, err := c.handshake()
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	for {
		msg, err := c.backend.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if terminate := c.handleMessage(msg); terminate {
			return nil
		}
	}
}

// handshake runs the startup negotiation and cleartext
// authentication exchange. The returned bool is true when the "startup"
// turned out to be a CancelRequest, which never proceeds to
// authentication or the message loop.
func (c *Conn) handshake() (cancelled bool, err error) {
	for {
		msg, err := c.backend.ReceiveStartupMessage()
		if err != nil {
			return false, err
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			// No TLS/GSS configured; deny and let the client retry with a
			// plain StartupMessage.
			if _, err := c.netConn.Write([]byte{'N'}); err != nil {
				return false, err
			}
			continue
		case *pgproto3.CancelRequest:
			c.sup.Cancel(m.ProcessID, m.SecretKey)
			return true, nil
		case *pgproto3.StartupMessage:
			return false, c.authenticate(m)
		default:
			return false, errSend(c.backend, pgerrUnsupportedStartup())
		}
	}
}

func (c *Conn) authenticate(startup *pgproto3.StartupMessage) error {
	c.backend.Send(&pgproto3.AuthenticationCleartextPassword{})
	if err := c.backend.Flush(); err != nil {
		return err
	}
	msg, err := c.backend.Receive()
	if err != nil {
		return err
	}
	if _, ok := msg.(*pgproto3.PasswordMessage); !ok {
		return errSend(c.backend, pgerrUnsupportedStartup())
	}
	// Password content is never validated; the cleartext exchange exists
	// only to satisfy clients that insist on one.

	supConn, err := c.sup.Register()
	if err != nil {
		return err
	}
	c.supConn = supConn
	// From here on a verified CancelRequest can abort this connection's
	// running statement at its next row boundary.
	c.sess.SetCancel(supConn)

	c.backend.Send(&pgproto3.AuthenticationOk{})
	for _, kv := range [][2]string{
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO"},
		{"integer_datetimes", "off"},
		{"server_version", ServerVersion},
	} {
		c.backend.Send(&pgproto3.ParameterStatus{Name: kv[0], Value: kv[1]})
	}
	c.backend.Send(&pgproto3.BackendKeyData{ProcessID: supConn.ID, SecretKey: supConn.Secret})
	c.log.Info("client authenticated",
		zap.Any("startup_parameters", startup.Parameters),
		zap.Uint32("conn_id", supConn.ID),
		zap.Int32("protocol_version", protoVersion3))
	c.backend.Send(&pgproto3.ReadyForQuery{TxStatus: c.txStatus})
	return c.backend.Flush()
}

// handleMessage dispatches one post-startup frontend message. It
// returns true when the connection should close (Terminate).
func (c *Conn) handleMessage(msg pgproto3.FrontendMessage) bool {
	switch m := msg.(type) {
	case *pgproto3.Query:
		c.handleSimpleQuery(m.String)
	case *pgproto3.Parse:
		c.handleParse(m)
	case *pgproto3.Bind:
		c.handleBind(m)
	case *pgproto3.Describe:
		c.handleDescribe(m)
	case *pgproto3.Execute:
		c.handleExecute(m)
	case *pgproto3.Sync:
		c.handleSync()
	case *pgproto3.Close:
		c.handleClose(m)
	case *pgproto3.Terminate:
		return true
	default:
		c.sendError(pgerrUnsupportedStartup())
	}
	return false
}

// handleSimpleQuery runs the whole simple-query statement sequence and
// always finishes by sending ReadyForQuery — the simple protocol has no
// Sync message to wait for.
func (c *Conn) handleSimpleQuery(sql string) {
	results, err := c.sess.SimpleQuery(sql)
	for _, qr := range results {
		c.sendQueryResult(qr)
	}
	if err != nil {
		c.log.Warn("simple query failed", logutil.Group("query", zap.String("sql", sql), zap.Int("completed", len(results))))
		c.sendError(err)
	} else if len(results) == 0 {
		c.backend.Send(&pgproto3.EmptyQueryResponse{})
	}
	c.updateTxStatus(results)
	c.backend.Send(&pgproto3.ReadyForQuery{TxStatus: c.txStatus})
	_ = c.backend.Flush()
}

func (c *Conn) updateTxStatus(results []*session.QueryResult) {
	for _, qr := range results {
		switch qr.Tag {
		case "BEGIN":
			c.txStatus = 'T'
		case "COMMIT":
			c.txStatus = 'I'
		}
	}
}

// sendQueryResult emits a RowDescription (if any rows are projected)
// followed by each DataRow and a CommandComplete.
func (c *Conn) sendQueryResult(qr *session.QueryResult) {
	if qr.RowDesc != nil {
		c.backend.Send(rowDescription(qr.RowDesc))
		for _, row := range qr.Rows {
			c.backend.Send(dataRow(row))
		}
	}
	if qr.Suspended {
		c.backend.Send(&pgproto3.PortalSuspended{})
		return
	}
	c.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(qr.Tag)})
}

func (c *Conn) handleParse(m *pgproto3.Parse) {
	if c.errorPending {
		return
	}
	paramTypes := make([]types.SqlType, len(m.ParameterOIDs))
	for i, o := range m.ParameterOIDs {
		if o == 0 {
			continue
		}
		t, ok := types.ResolveOID(oid.Oid(o))
		if !ok {
			c.failExtended(pgerrUnsupportedOID(o))
			return
		}
		paramTypes[i] = t
	}
	if err := c.sess.Parse(m.Name, m.Query, paramTypes); err != nil {
		c.failExtended(err)
		return
	}
	c.backend.Send(&pgproto3.ParseComplete{})
	_ = c.backend.Flush()
}

func (c *Conn) handleBind(m *pgproto3.Bind) {
	if c.errorPending {
		return
	}
	declared, err := c.sess.StatementParamTypes(m.PreparedStatement)
	if err != nil {
		c.failExtended(err)
		return
	}
	params := make([]types.Value, len(m.Parameters))
	for i, raw := range m.Parameters {
		t := types.VarChar(1 << 20)
		if i < len(declared) && declared[i].Kind != types.KindUnknown {
			t = declared[i]
		}
		format := formatCodeFor(m.ParameterFormatCodes, i)
		v, err := decodeParam(raw, format, t)
		if err != nil {
			c.failExtended(err)
			return
		}
		params[i] = v
	}
	if err := c.sess.Bind(m.DestinationPortal, m.PreparedStatement, params); err != nil {
		c.failExtended(err)
		return
	}
	c.backend.Send(&pgproto3.BindComplete{})
	_ = c.backend.Flush()
}

func formatCodeFor(codes []int16, i int) int16 {
	if len(codes) == 0 {
		return 0
	}
	if len(codes) == 1 {
		return codes[0]
	}
	return codes[i]
}

func (c *Conn) handleDescribe(m *pgproto3.Describe) {
	if c.errorPending {
		return
	}
	switch m.ObjectType {
	case 'S':
		paramTypes, rowDesc, err := c.sess.DescribeStatement(m.Name)
		if err != nil {
			c.failExtended(err)
			return
		}
		oids := make([]uint32, len(paramTypes))
		for i, t := range paramTypes {
			oids[i] = uint32(t.OID())
		}
		c.backend.Send(&pgproto3.ParameterDescription{ParameterOIDs: oids})
		c.sendRowDescOrNoData(rowDesc)
	case 'P':
		rowDesc, err := c.sess.DescribePortal(m.Name)
		if err != nil {
			c.failExtended(err)
			return
		}
		c.sendRowDescOrNoData(rowDesc)
	default:
		c.failExtended(pgerrUnsupportedStartup())
		return
	}
	_ = c.backend.Flush()
}

func (c *Conn) sendRowDescOrNoData(rowDesc []planner.Field) {
	if rowDesc == nil {
		c.backend.Send(&pgproto3.NoData{})
		return
	}
	c.backend.Send(rowDescription(rowDesc))
}

func (c *Conn) handleExecute(m *pgproto3.Execute) {
	if c.errorPending {
		return
	}
	qr, err := c.sess.Execute(m.Portal, int(m.MaxRows))
	if err != nil {
		c.failExtended(err)
		return
	}
	for _, row := range qr.Rows {
		c.backend.Send(dataRow(row))
	}
	if qr.Suspended {
		c.backend.Send(&pgproto3.PortalSuspended{})
		_ = c.backend.Flush()
		return
	}
	switch qr.Tag {
	case "BEGIN":
		c.txStatus = 'T'
	case "COMMIT":
		c.txStatus = 'I'
	}
	c.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(qr.Tag)})
	_ = c.backend.Flush()
}

func (c *Conn) handleClose(m *pgproto3.Close) {
	if c.errorPending {
		return
	}
	switch m.ObjectType {
	case 'S':
		c.sess.CloseStatement(m.Name)
	case 'P':
		c.sess.ClosePortal(m.Name)
	}
	c.backend.Send(&pgproto3.CloseComplete{})
	_ = c.backend.Flush()
}

// handleSync ends an extended-query message sequence: it clears any
// error-pending state, drops every portal (arbor has no notion of a
// cursor living past the statement that opened it), and always answers
// with ReadyForQuery.
func (c *Conn) handleSync() {
	c.errorPending = false
	c.sess.ClearPortals()
	c.backend.Send(&pgproto3.ReadyForQuery{TxStatus: c.txStatus})
	_ = c.backend.Flush()
}

// failExtended sends ErrorResponse and enters ErrorPending: every
// subsequent Parse/Bind/Describe/Execute is silently discarded until the
// next Sync.
func (c *Conn) failExtended(err error) {
	c.sendError(err)
	c.errorPending = true
}

func (c *Conn) sendError(err error) {
	c.backend.Send(errorResponse(err))
	_ = c.backend.Flush()
}

func errSend(backend *pgproto3.Backend, err error) error {
	backend.Send(errorResponse(err))
	_ = backend.Flush()
	return err
}
