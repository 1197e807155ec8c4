package event_test

import (
	"bytes"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"LendLedger/internal/event"
	"LendLedger/internal/testutil"
)

// --- Test helpers ---

func topic(sig string) common.Hash {
	return crypto.Keccak256Hash([]byte(sig))
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func addrAsWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func addrAsTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

var (
	marketID   = common.HexToHash("0xac4b2400f169fca264b4dcb57569cfae9f1f10bb0fb9dab397c90e67f2701bd9")
	loanToken  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	collToken  = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	oracleAddr = common.HexToAddress("0x2a01EB9496094dA03c4E364Def50f5aD1280AD72")
	irmAddr    = common.HexToAddress("0x870aC11D48B15DB9a138Cf899d20F13F79Ba00BC")
	borrower   = common.HexToAddress("0x7f2d2C368F712Ab42ecaC4b6351D63c6EB609dA3")
	caller     = common.HexToAddress("0x1111111254EEB25477B68fb85Ed929f73A960582")
)

func TestDecodeCreateMarket(t *testing.T) {
	lltv := new(big.Int).SetUint64(800_000_000_000_000_000)

	data := append([]byte{}, addrAsWord(loanToken)...)
	data = append(data, addrAsWord(collToken)...)
	data = append(data, addrAsWord(oracleAddr)...)
	data = append(data, addrAsWord(irmAddr)...)
	data = append(data, word(lltv)...)

	lg := &types.Log{
		Topics: []common.Hash{
			topic("CreateMarket(bytes32,(address,address,address,address,uint256))"),
			marketID,
		},
		Data: data,
	}

	evt, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	cm, ok := evt.(*event.CreateMarket)
	if !ok {
		t.Fatalf("expected *event.CreateMarket, got %T", evt)
	}
	if cm.ID != marketID {
		t.Errorf("id: got %s, want %s", cm.ID, marketID)
	}
	if cm.LoanToken != loanToken {
		t.Errorf("loan token: got %s, want %s", cm.LoanToken, loanToken)
	}
	if cm.CollateralToken != collToken {
		t.Errorf("collateral token: got %s, want %s", cm.CollateralToken, collToken)
	}
	if cm.Oracle != oracleAddr {
		t.Errorf("oracle: got %s, want %s", cm.Oracle, oracleAddr)
	}
	if cm.IRM != irmAddr {
		t.Errorf("irm: got %s, want %s", cm.IRM, irmAddr)
	}
	if cm.LLTV.Cmp(lltv) != 0 {
		t.Errorf("lltv: got %s, want %s", cm.LLTV, lltv)
	}
	if cm.Kind() != event.KindCreateMarket {
		t.Errorf("kind: got %v, want CreateMarket", cm.Kind())
	}
	if cm.Market() != marketID {
		t.Errorf("market: got %s, want %s", cm.Market(), marketID)
	}
}

func TestDecodeSupplyCollateral(t *testing.T) {
	assets := big.NewInt(1000)

	lg := &types.Log{
		Topics: []common.Hash{
			topic("SupplyCollateral(bytes32,address,address,uint256)"),
			marketID,
			addrAsTopic(caller),
			addrAsTopic(borrower),
		},
		Data: word(assets),
	}

	evt, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	sc, ok := evt.(*event.SupplyCollateral)
	if !ok {
		t.Fatalf("expected *event.SupplyCollateral, got %T", evt)
	}
	if sc.Caller != caller {
		t.Errorf("caller: got %s, want %s", sc.Caller, caller)
	}
	if sc.OnBehalf != borrower {
		t.Errorf("onBehalf: got %s, want %s", sc.OnBehalf, borrower)
	}
	if sc.Assets.Cmp(assets) != 0 {
		t.Errorf("assets: got %s, want %s", sc.Assets, assets)
	}
}

func TestDecodeWithdrawCollateral(t *testing.T) {
	assets := big.NewInt(250)

	data := append([]byte{}, addrAsWord(caller)...)
	data = append(data, word(assets)...)

	lg := &types.Log{
		Topics: []common.Hash{
			topic("WithdrawCollateral(bytes32,address,address,address,uint256)"),
			marketID,
			addrAsTopic(borrower),
			addrAsTopic(caller),
		},
		Data: data,
	}

	evt, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	wc, ok := evt.(*event.WithdrawCollateral)
	if !ok {
		t.Fatalf("expected *event.WithdrawCollateral, got %T", evt)
	}
	if wc.Caller != caller {
		t.Errorf("caller: got %s, want %s", wc.Caller, caller)
	}
	if wc.OnBehalf != borrower {
		t.Errorf("onBehalf: got %s, want %s", wc.OnBehalf, borrower)
	}
	if wc.Receiver != caller {
		t.Errorf("receiver: got %s, want %s", wc.Receiver, caller)
	}
	if wc.Assets.Cmp(assets) != 0 {
		t.Errorf("assets: got %s, want %s", wc.Assets, assets)
	}
}

func TestDecodeBorrow(t *testing.T) {
	assets := big.NewInt(500)
	shares := big.NewInt(500)

	data := append([]byte{}, addrAsWord(caller)...)
	data = append(data, word(assets)...)
	data = append(data, word(shares)...)

	lg := &types.Log{
		Topics: []common.Hash{
			topic("Borrow(bytes32,address,address,address,uint256,uint256)"),
			marketID,
			addrAsTopic(borrower),
			addrAsTopic(borrower),
		},
		Data: data,
	}

	evt, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	b, ok := evt.(*event.Borrow)
	if !ok {
		t.Fatalf("expected *event.Borrow, got %T", evt)
	}
	if b.OnBehalf != borrower {
		t.Errorf("onBehalf: got %s, want %s", b.OnBehalf, borrower)
	}
	if b.Assets.Cmp(assets) != 0 {
		t.Errorf("assets: got %s, want %s", b.Assets, assets)
	}
	if b.Shares.Cmp(shares) != 0 {
		t.Errorf("shares: got %s, want %s", b.Shares, shares)
	}
}

func TestDecodeRepay(t *testing.T) {
	data := append([]byte{}, word(big.NewInt(300))...)
	data = append(data, word(big.NewInt(280))...)

	lg := &types.Log{
		Topics: []common.Hash{
			topic("Repay(bytes32,address,address,uint256,uint256)"),
			marketID,
			addrAsTopic(caller),
			addrAsTopic(borrower),
		},
		Data: data,
	}

	evt, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	r, ok := evt.(*event.Repay)
	if !ok {
		t.Fatalf("expected *event.Repay, got %T", evt)
	}
	if r.Assets.Int64() != 300 {
		t.Errorf("assets: got %s, want 300", r.Assets)
	}
	if r.Shares.Int64() != 280 {
		t.Errorf("shares: got %s, want 280", r.Shares)
	}
}

func TestDecodeLiquidate(t *testing.T) {
	data := append([]byte{}, word(big.NewInt(100))...)
	data = append(data, word(big.NewInt(90))...)
	data = append(data, word(big.NewInt(120))...)
	data = append(data, word(big.NewInt(10))...)
	data = append(data, word(big.NewInt(8))...)

	lg := &types.Log{
		Topics: []common.Hash{
			topic("Liquidate(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"),
			marketID,
			addrAsTopic(caller),
			addrAsTopic(borrower),
		},
		Data: data,
	}

	evt, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	l, ok := evt.(*event.Liquidate)
	if !ok {
		t.Fatalf("expected *event.Liquidate, got %T", evt)
	}
	if l.Borrower != borrower {
		t.Errorf("borrower: got %s, want %s", l.Borrower, borrower)
	}
	if l.RepaidAssets.Int64() != 100 {
		t.Errorf("repaidAssets: got %s, want 100", l.RepaidAssets)
	}
	if l.RepaidShares.Int64() != 90 {
		t.Errorf("repaidShares: got %s, want 90", l.RepaidShares)
	}
	if l.SeizedAssets.Int64() != 120 {
		t.Errorf("seizedAssets: got %s, want 120", l.SeizedAssets)
	}
	if l.BadDebtShares.Int64() != 8 {
		t.Errorf("badDebtShares: got %s, want 8", l.BadDebtShares)
	}
}

func TestDecodeAccrueInterest(t *testing.T) {
	data := append([]byte{}, word(big.NewInt(42))...)
	data = append(data, word(big.NewInt(17))...)
	data = append(data, word(big.NewInt(0))...)

	lg := &types.Log{
		Topics: []common.Hash{
			topic("AccrueInterest(bytes32,uint256,uint256,uint256)"),
			marketID,
		},
		Data: data,
	}

	evt, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	ai, ok := evt.(*event.AccrueInterest)
	if !ok {
		t.Fatalf("expected *event.AccrueInterest, got %T", evt)
	}
	if ai.Interest.Int64() != 17 {
		t.Errorf("interest: got %s, want 17", ai.Interest)
	}
}

func TestDecodeUnknownTopic(t *testing.T) {
	lg := &types.Log{
		Topics: []common.Hash{topic("Transfer(address,address,uint256)")},
		Data:   word(big.NewInt(1)),
	}

	_, err := event.DecodeLog(lg)
	if err != event.ErrUnknownEvent {
		t.Errorf("got %v, want ErrUnknownEvent", err)
	}
}

func TestDecodeNoTopics(t *testing.T) {
	_, err := event.DecodeLog(&types.Log{})
	if err != event.ErrUnknownEvent {
		t.Errorf("got %v, want ErrUnknownEvent", err)
	}
}

func TestDecodeMalformedData(t *testing.T) {
	// CreateMarket with truncated data: matches the signature but not the layout.
	lg := &types.Log{
		Topics: []common.Hash{
			topic("CreateMarket(bytes32,(address,address,address,address,uint256))"),
			marketID,
		},
		Data: word(big.NewInt(1)),
	}

	_, err := event.DecodeLog(lg)
	if err == nil {
		t.Fatal("expected layout error, got nil")
	}
	if err == event.ErrUnknownEvent {
		t.Error("malformed layout should not report ErrUnknownEvent")
	}
}

// describe renders a decoded event as one stable line: hashes and addresses
// as lowercase hex, quantities as decimal text.
func describe(e event.Event) string {
	switch v := e.(type) {
	case *event.CreateMarket:
		return fmt.Sprintf("CreateMarket market=%s loan=%#x collateral=%#x oracle=%#x irm=%#x lltv=%v",
			v.ID, v.LoanToken, v.CollateralToken, v.Oracle, v.IRM, v.LLTV)
	case *event.SupplyCollateral:
		return fmt.Sprintf("SupplyCollateral market=%s caller=%#x on_behalf=%#x assets=%v",
			v.ID, v.Caller, v.OnBehalf, v.Assets)
	case *event.WithdrawCollateral:
		return fmt.Sprintf("WithdrawCollateral market=%s caller=%#x on_behalf=%#x receiver=%#x assets=%v",
			v.ID, v.Caller, v.OnBehalf, v.Receiver, v.Assets)
	case *event.Borrow:
		return fmt.Sprintf("Borrow market=%s caller=%#x on_behalf=%#x receiver=%#x assets=%v shares=%v",
			v.ID, v.Caller, v.OnBehalf, v.Receiver, v.Assets, v.Shares)
	case *event.Repay:
		return fmt.Sprintf("Repay market=%s caller=%#x on_behalf=%#x assets=%v shares=%v",
			v.ID, v.Caller, v.OnBehalf, v.Assets, v.Shares)
	case *event.Liquidate:
		return fmt.Sprintf("Liquidate market=%s caller=%#x borrower=%#x repaid_assets=%v repaid_shares=%v seized_assets=%v bad_debt_assets=%v bad_debt_shares=%v",
			v.ID, v.Caller, v.Borrower, v.RepaidAssets, v.RepaidShares, v.SeizedAssets, v.BadDebtAssets, v.BadDebtShares)
	case *event.AccrueInterest:
		return fmt.Sprintf("AccrueInterest market=%s prev_rate=%v interest=%v fee_shares=%v",
			v.ID, v.PrevBorrowRate, v.Interest, v.FeeShares)
	default:
		return fmt.Sprintf("unknown %T", e)
	}
}

// TestDecodeGolden pins the decoded form of one log of every kind. The golden
// file regenerates with UPDATE_GOLDEN=1.
func TestDecodeGolden(t *testing.T) {
	createData := append([]byte{}, addrAsWord(loanToken)...)
	createData = append(createData, addrAsWord(collToken)...)
	createData = append(createData, addrAsWord(oracleAddr)...)
	createData = append(createData, addrAsWord(irmAddr)...)
	createData = append(createData, word(new(big.Int).SetUint64(800_000_000_000_000_000))...)

	withdrawData := append([]byte{}, addrAsWord(caller)...)
	withdrawData = append(withdrawData, word(big.NewInt(250))...)

	borrowData := append([]byte{}, addrAsWord(caller)...)
	borrowData = append(borrowData, word(big.NewInt(500))...)
	borrowData = append(borrowData, word(big.NewInt(500))...)

	repayData := append([]byte{}, word(big.NewInt(300))...)
	repayData = append(repayData, word(big.NewInt(280))...)

	liquidateData := append([]byte{}, word(big.NewInt(100))...)
	liquidateData = append(liquidateData, word(big.NewInt(90))...)
	liquidateData = append(liquidateData, word(big.NewInt(120))...)
	liquidateData = append(liquidateData, word(big.NewInt(10))...)
	liquidateData = append(liquidateData, word(big.NewInt(8))...)

	accrueData := append([]byte{}, word(big.NewInt(42))...)
	accrueData = append(accrueData, word(big.NewInt(17))...)
	accrueData = append(accrueData, word(big.NewInt(0))...)

	logs := []*types.Log{
		{
			Topics: []common.Hash{
				topic("CreateMarket(bytes32,(address,address,address,address,uint256))"),
				marketID,
			},
			Data: createData,
		},
		{
			Topics: []common.Hash{
				topic("SupplyCollateral(bytes32,address,address,uint256)"),
				marketID,
				addrAsTopic(caller),
				addrAsTopic(borrower),
			},
			Data: word(big.NewInt(1000)),
		},
		{
			Topics: []common.Hash{
				topic("WithdrawCollateral(bytes32,address,address,address,uint256)"),
				marketID,
				addrAsTopic(borrower),
				addrAsTopic(caller),
			},
			Data: withdrawData,
		},
		{
			Topics: []common.Hash{
				topic("Borrow(bytes32,address,address,address,uint256,uint256)"),
				marketID,
				addrAsTopic(borrower),
				addrAsTopic(borrower),
			},
			Data: borrowData,
		},
		{
			Topics: []common.Hash{
				topic("Repay(bytes32,address,address,uint256,uint256)"),
				marketID,
				addrAsTopic(caller),
				addrAsTopic(borrower),
			},
			Data: repayData,
		},
		{
			Topics: []common.Hash{
				topic("Liquidate(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"),
				marketID,
				addrAsTopic(caller),
				addrAsTopic(borrower),
			},
			Data: liquidateData,
		},
		{
			Topics: []common.Hash{
				topic("AccrueInterest(bytes32,uint256,uint256,uint256)"),
				marketID,
			},
			Data: accrueData,
		},
	}

	var out bytes.Buffer
	for i, lg := range logs {
		evt, err := event.DecodeLog(lg)
		if err != nil {
			t.Fatalf("decode log %d failed: %v", i, err)
		}
		fmt.Fprintln(&out, describe(evt))
	}

	testutil.AssertGolden(t, "decoded_events.golden", out.Bytes())
}

func TestDecodePreservesLargeValues(t *testing.T) {
	// A 2^200-ish value must survive word encode/decode exactly.
	huge, ok := new(big.Int).SetString("1606938044258990275541962092341162602522202993782792835301376", 10)
	if !ok {
		t.Fatal("bad literal")
	}

	lg := &types.Log{
		Topics: []common.Hash{
			topic("SupplyCollateral(bytes32,address,address,uint256)"),
			marketID,
			addrAsTopic(caller),
			addrAsTopic(borrower),
		},
		Data: word(huge),
	}

	evt, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	sc := evt.(*event.SupplyCollateral)
	if sc.Assets.Cmp(huge) != 0 {
		t.Errorf("got %s, want %s", sc.Assets, huge)
	}
}
