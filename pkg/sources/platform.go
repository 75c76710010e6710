package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// IWInfoScanner collects nearby access points through the router's ubus
// iwinfo interface. Needs the ubus binary on PATH.
type IWInfoScanner struct {
	device string
}

// NewIWInfoScanner creates a scanner for the given wireless device. An empty
// device defaults to wlan0.
func NewIWInfoScanner(device string) *IWInfoScanner {
	if device == "" {
		device = "wlan0"
	}
	return &IWInfoScanner{device: device}
}

// ScanAccessPoints runs an iwinfo scan and returns the visible beacons.
func (s *IWInfoScanner) ScanAccessPoints(ctx context.Context) ([]AccessPoint, error) {
	arg := fmt.Sprintf(`{"device":%q}`, s.device)
	output, err := exec.CommandContext(ctx, "ubus", "call", "iwinfo", "scan", arg).Output()
	if err != nil {
		return nil, fmt.Errorf("iwinfo scan on %s: %w", s.device, err)
	}

	var scan struct {
		Results []struct {
			BSSID   string `json:"bssid"`
			Signal  int    `json:"signal"`
			Channel int    `json:"channel"`
		} `json:"results"`
	}
	if err := json.Unmarshal(output, &scan); err != nil {
		return nil, fmt.Errorf("parse iwinfo scan output: %w", err)
	}

	aps := make([]AccessPoint, 0, len(scan.Results))
	for _, result := range scan.Results {
		if result.BSSID == "" {
			continue
		}
		aps = append(aps, AccessPoint{
			MAC:       result.BSSID,
			SignalDBM: result.Signal,
			Channel:   result.Channel,
		})
	}
	return aps, nil
}

// HasIWInfo reports whether the ubus iwinfo scan path exists on this system.
func HasIWInfo() bool {
	_, err := exec.LookPath("ubus")
	return err == nil
}

// GSMCellReader reads the serving cell from a Quectel-style modem through
// gsmctl AT passthrough.
type GSMCellReader struct{}

// NewGSMCellReader creates a modem cell reader.
func NewGSMCellReader() *GSMCellReader { return &GSMCellReader{} }

// ServingCell queries the modem for the cell it is currently camped on.
func (r *GSMCellReader) ServingCell(ctx context.Context) (*ServingCell, error) {
	output, err := exec.CommandContext(ctx, "gsmctl", "-A", `AT+QENG="servingcell"`).Output()
	if err != nil {
		return nil, fmt.Errorf("query serving cell: %w", err)
	}

	for _, line := range strings.Split(string(output), "\n") {
		if !strings.Contains(line, "+QENG:") || !strings.Contains(line, `"LTE"`) {
			continue
		}
		if cell := parseServingCellLine(line); cell != nil {
			return cell, nil
		}
	}
	return nil, fmt.Errorf("no LTE serving cell in modem response")
}

// HasGSMCtl reports whether the modem AT passthrough tool exists on this
// system.
func HasGSMCtl() bool {
	_, err := exec.LookPath("gsmctl")
	return err == nil
}

// parseServingCellLine extracts tower identity from a QENG serving cell
// response line. LTE field layout:
// +QENG: "servingcell",<state>,"LTE",<is_tdd>,<mcc>,<mnc>,<cellid_hex>,
//        <pcid>,<earfcn>,<band>,<ul_bw>,<dl_bw>,<tac_hex>,<rsrp>,...
func parseServingCellLine(line string) *ServingCell {
	parts := strings.Split(line, ",")
	if len(parts) < 14 {
		return nil
	}

	mcc, err := strconv.Atoi(strings.Trim(parts[4], `"`))
	if err != nil {
		return nil
	}
	mnc, err := strconv.Atoi(strings.Trim(parts[5], `"`))
	if err != nil {
		return nil
	}
	cellID, err := strconv.ParseInt(strings.Trim(parts[6], `"`), 16, 64)
	if err != nil || cellID < 0 || cellID > int64(^uint(0)>>1) {
		return nil
	}
	tac, err := strconv.ParseInt(strings.Trim(parts[12], `"`), 16, 32)
	if err != nil {
		return nil
	}

	signal := -100
	if rsrp, err := strconv.Atoi(strings.Trim(parts[13], `"`)); err == nil {
		signal = rsrp
	}

	return &ServingCell{
		MCC:       mcc,
		MNC:       mnc,
		LAC:       int(tac),
		CellID:    int(cellID),
		Radio:     "lte",
		SignalDBM: signal,
	}
}
