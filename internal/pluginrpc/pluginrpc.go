// Package pluginrpc is the transport between the host CLN node and the
// core: it speaks the node's line-delimited JSON-RPC 2.0 plugin protocol
// over stdin/stdout, dispatching the htlc_accepted hook and the operator
// RPC methods of §6.2 into internal/htlc, internal/holddb and
// internal/eventbus. No protocol logic beyond marshaling lives here.
//
// github.com/niftynei/golight is a real Go CLN plugin library, but the
// retrieved reference material for it only covers the outbound RPC-client
// half of a different fork (glightning); the inbound plugin-serving API
// golight itself exposes for registering hooks and methods isn't present
// in it, so this package implements that half directly against CLN's
// documented JSON-RPC 2.0 plugin wire format instead of guessing at
// unseen symbols.
package pluginrpc

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/BoltzExchange/hold/internal/eventbus"
	"github.com/BoltzExchange/hold/internal/holddb"
	"github.com/BoltzExchange/hold/internal/htlc"
	"github.com/BoltzExchange/hold/internal/onion"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// chainParams only governs address-encoding fields this plugin never reads
// out of an invoice; mainnet's parameters decode every network's BOLT11
// string equally well for our purposes.
var chainParams = chaincfg.MainNetParams

// request is a single JSON-RPC 2.0 request/notification as sent by the
// host.
type request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// response is a single JSON-RPC 2.0 response the plugin writes back.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// htlcAcceptedParams is the subset of the host's htlc_accepted hook
// payload this plugin consumes.
type htlcAcceptedParams struct {
	Onion struct {
		Payload string `json:"payload"`
	} `json:"onion"`
	Htlc struct {
		ShortChannelID string `json:"short_channel_id"`
		ID             uint64 `json:"id"`
		AmountMsat     uint64 `json:"amount_msat"`
		CltvExpiry     uint32 `json:"cltv_expiry"`
		PaymentHash    string `json:"payment_hash"`
	} `json:"htlc"`
}

// Server dispatches the host's hook calls and operator RPC methods into a
// *htlc.Handler.
type Server struct {
	handler *htlc.Handler
	repo    *holddb.Repo
	bus     *eventbus.Bus

	out   io.Writer
	outMu sync.Mutex
}

// NewServer constructs a Server.
func NewServer(handler *htlc.Handler, repo *holddb.Repo,
	bus *eventbus.Bus) *Server {

	return &Server{handler: handler, repo: repo, bus: bus}
}

// Serve reads newline-delimited JSON-RPC requests from in and writes
// responses to out until in is closed or ctx is cancelled. Each request is
// dispatched on its own goroutine so a held HTLC never blocks other hook
// calls or RPC commands.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Errorf("pluginrpc: malformed request: %v", err)
			continue
		}

		reqCopy := req
		go s.dispatch(ctx, reqCopy)
	}

	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req request) {
	var (
		result interface{}
		err    error
	)

	switch req.Method {
	case "htlc_accepted":
		result, err = s.handleHTLCAccepted(ctx, req.Params)
	case "settle":
		result, err = s.handleSettle(ctx, req.Params)
	case "cancel":
		result, err = s.handleCancel(ctx, req.Params)
	case "list":
		result, err = s.handleList(ctx, req.Params)
	case "inject-invoice":
		result, err = s.handleInjectInvoice(ctx, req.Params)
	case "track":
		result, err = s.handleTrack(ctx, req.Params)
	case "track-all":
		result, err = s.handleTrackAll(ctx)
	case "block_added":
		s.handleBlockAdded(req.Params)
		return
	default:
		// Any other method, including the host's init and getmanifest
		// calls, is ignored and gets no response.
		return
	}

	if req.ID == nil {
		return
	}

	s.writeResponse(req.ID, result, err)
}

func (s *Server) writeResponse(id json.RawMessage, result interface{}, err error) {
	resp := response{JSONRPC: "2.0", ID: id}
	if err != nil {
		resp.Error = &rpcError{Code: -1, Message: err.Error()}
	} else {
		resp.Result = result
	}

	encoded, mErr := json.Marshal(resp)
	if mErr != nil {
		log.Errorf("pluginrpc: marshaling response: %v", mErr)
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	if _, err := s.out.Write(append(encoded, '\n')); err != nil {
		log.Errorf("pluginrpc: writing response: %v", err)
	}
}

type blockAddedParams struct {
	Block struct {
		Height uint32 `json:"height"`
	} `json:"block"`
}

// handleBlockAdded implements the `block_added` notification the host
// sends on every new chain tip, feeding it into the CLTV-proximity race of
// §4.5 step 7. It is a notification: the host expects no response.
func (s *Server) handleBlockAdded(raw json.RawMessage) {
	var params blockAddedParams
	if err := json.Unmarshal(raw, &params); err != nil {
		log.Errorf("pluginrpc: decoding block_added: %v", err)
		return
	}

	s.handler.UpdateHeight(params.Block.Height)
}

func (s *Server) handleHTLCAccepted(ctx context.Context,
	raw json.RawMessage) (interface{}, error) {

	var params htlcAcceptedParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decoding htlc_accepted params: %w", err)
	}

	hash, err := lntypes.MakeHashFromStr(params.Htlc.PaymentHash)
	if err != nil {
		return resultFail(lnwire.CodeIncorrectOrUnknownPaymentDetails), nil
	}

	payload, err := hex.DecodeString(params.Onion.Payload)
	if err != nil {
		log.Errorf("pluginrpc: decoding onion payload for %v: %v", hash, err)
		return resultFail(lnwire.CodeTemporaryChannelFailure), nil
	}

	scid := parseShortChanID(params.Htlc.ShortChannelID)

	req := htlc.Request{
		PaymentHash:    hash,
		AmountMsat:     lnwire.MilliSatoshi(params.Htlc.AmountMsat),
		CltvExpiry:     params.Htlc.CltvExpiry,
		ShortChannelID: scid,
		ChannelID:      scid,
		HtlcIndex:      params.Htlc.ID,
		CurrentHeight:  s.handler.CurrentHeight(),
	}

	decoded, err := onion.Decode(payload)
	switch {
	case err == nil:
		req.HasMPPRecord = true
		req.MPPTotalMsat = decoded.TotalMsat
	case errors.Is(err, onion.ErrMissingPaymentData):
		// A single-shard payment carries no MPP record; req keeps
		// HasMPPRecord false and is handled as a single-shard HTLC.
	default:
		log.Errorf("pluginrpc: decoding onion payload for %v: %v", hash, err)
		return resultFail(lnwire.CodeTemporaryChannelFailure), nil
	}

	verdict, err := s.handler.Handle(ctx, req)
	if err != nil {
		return resultFail(lnwire.CodeTemporaryChannelFailure), nil
	}

	if verdict.Continue {
		return resultContinue(verdict.Preimage), nil
	}

	return resultFail(verdict.FailCode), nil
}

// parseShortChanID decodes the host's "BxTxO" short channel id notation
// into the packed uint64 form (block height, tx index, output index) BOLT7
// defines. A malformed or empty id decodes to zero rather than failing the
// HTLC outright. The result is used as both the request's ShortChannelID and
// its ChannelID, so HTLCs with malformed ids all share channel id zero in the
// (channel id, htlc index) duplicate guard.
func parseShortChanID(s string) uint64 {
	parts := strings.SplitN(s, "x", 3)
	if len(parts) != 3 {
		return 0
	}

	block, err := strconv.ParseUint(parts[0], 10, 24)
	if err != nil {
		return 0
	}
	tx, err := strconv.ParseUint(parts[1], 10, 24)
	if err != nil {
		return 0
	}
	output, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return 0
	}

	return block<<40 | tx<<16 | output
}

func resultContinue(preimage lntypes.Preimage) map[string]interface{} {
	return map[string]interface{}{
		"result":      "resolve",
		"payment_key": preimage.String(),
	}
}

func resultFail(code lnwire.FailCode) map[string]interface{} {
	return map[string]interface{}{
		"result":       "fail",
		"failure_code": uint16(code),
	}
}

type settleParams struct {
	Preimage string `json:"preimage"`
}

func (s *Server) handleSettle(ctx context.Context,
	raw json.RawMessage) (interface{}, error) {

	var params settleParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}

	preimage, err := lntypes.MakePreimageFromStr(params.Preimage)
	if err != nil {
		return nil, fmt.Errorf("invalid preimage: %w", err)
	}

	if err := s.handler.Settle(ctx, preimage); err != nil {
		return nil, err
	}

	return map[string]string{"status": "settled"}, nil
}

type cancelParams struct {
	PaymentHash string `json:"payment_hash"`
	Reason      string `json:"reason"`
}

func (s *Server) handleCancel(ctx context.Context,
	raw json.RawMessage) (interface{}, error) {

	var params cancelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}

	hash, err := lntypes.MakeHashFromStr(params.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %w", err)
	}

	if err := s.handler.Cancel(ctx, hash, params.Reason); err != nil {
		return nil, err
	}

	return map[string]string{"status": "cancelled"}, nil
}

type listParams struct {
	AfterID int64 `json:"after_id"`
	Limit   int32 `json:"limit"`
}

func (s *Server) handleList(ctx context.Context,
	raw json.RawMessage) (interface{}, error) {

	var params listParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
	}
	if params.Limit <= 0 {
		params.Limit = 100
	}

	invoices, err := s.repo.ListInvoices(ctx, params.AfterID, params.Limit)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"invoices": invoices}, nil
}

type trackParams struct {
	PaymentHash string `json:"payment_hash"`
}

// handleTrack implements the `track` operator command: it subscribes to a
// single payment hash and streams every subsequent event back to the host
// as an unsolicited "invoice_update" notification until ctx is cancelled.
func (s *Server) handleTrack(ctx context.Context,
	raw json.RawMessage) (interface{}, error) {

	var params trackParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}

	hash, err := lntypes.MakeHashFromStr(params.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %w", err)
	}

	sub := s.bus.Subscribe(hash)
	go s.streamEvents(ctx, sub)

	return map[string]string{"status": "tracking"}, nil
}

// handleTrackAll implements `track-all`: the same streaming behavior as
// handleTrack, but for every invoice the core knows about.
func (s *Server) handleTrackAll(ctx context.Context) (interface{}, error) {
	sub := s.bus.SubscribeAll()
	go s.streamEvents(ctx, sub)

	return map[string]string{"status": "tracking"}, nil
}

func (s *Server) streamEvents(ctx context.Context, sub *eventbus.Subscription) {
	defer sub.Cancel()

	for {
		select {
		case e := <-sub.Events:
			notif := struct {
				JSONRPC string         `json:"jsonrpc"`
				Method  string         `json:"method"`
				Params  eventbus.Event `json:"params"`
			}{
				JSONRPC: "2.0",
				Method:  "invoice_update",
				Params:  e,
			}
			encoded, err := json.Marshal(notif)
			if err != nil {
				log.Errorf("pluginrpc: marshaling notification: %v", err)
				continue
			}

			s.outMu.Lock()
			_, werr := s.out.Write(append(encoded, '\n'))
			s.outMu.Unlock()
			if werr != nil {
				log.Errorf("pluginrpc: writing notification: %v", werr)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

type injectInvoiceParams struct {
	Encoded string `json:"encoded"`
}

// handleInjectInvoice extracts the fields the repository needs from a
// BOLT11 string and stores the invoice Unpaid. It does not construct or
// sign invoices, which remains out of scope per §6.2.
func (s *Server) handleInjectInvoice(ctx context.Context,
	raw json.RawMessage) (interface{}, error) {

	var params injectInvoiceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}

	// The network parameter only affects address-encoding fields this
	// plugin does not use; mainnet's params are accepted here and any
	// network-specific validation is the host node's responsibility.
	inv, err := zpay32.Decode(params.Encoded, &chainParams)
	if err != nil {
		return nil, fmt.Errorf("decoding invoice: %w", err)
	}

	if inv.MilliSat == nil {
		return nil, fmt.Errorf("invoice missing amount")
	}

	minFinalCLTV := uint32(zpay32.DefaultFinalCLTVDelta)
	if inv.MinFinalCLTVExpiry() != 0 {
		minFinalCLTV = uint32(inv.MinFinalCLTVExpiry())
	}

	id, err := s.repo.InsertInvoice(
		ctx, lntypes.Hash(*inv.PaymentHash), params.Encoded, *inv.MilliSat,
		minFinalCLTV, inv.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"invoice_id": id}, nil
}
