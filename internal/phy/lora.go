package phy

import (
	"fmt"
	"math"
	"time"
)

// LoRaParams describes a LoRa modulation setting. CodingRate is the
// denominator offset, so 1 means 4/5 and 4 means 4/8.
type LoRaParams struct {
	FrequencyHz     float64
	BandwidthHz     float64
	SpreadingFactor int
	CodingRate      int
	PreambleLength  int
	CRC             bool
	ImplicitHeader  bool
	LowDataRateOpt  bool
}

// DefaultLoRaParams is SF7 at 125 kHz in the 868 MHz band.
func DefaultLoRaParams() LoRaParams {
	return LoRaParams{
		FrequencyHz:     868e6,
		BandwidthHz:     125e3,
		SpreadingFactor: 7,
		CodingRate:      1,
		PreambleLength:  8,
		CRC:             true,
	}
}

// Validate checks the ranges a LoRa transceiver accepts.
func (p LoRaParams) Validate() error {
	if p.SpreadingFactor < 5 || p.SpreadingFactor > 12 {
		return fmt.Errorf("spreading factor %d out of range [5,12]", p.SpreadingFactor)
	}
	if p.BandwidthHz <= 0 {
		return fmt.Errorf("bandwidth must be positive, got %v", p.BandwidthHz)
	}
	if p.CodingRate < 1 || p.CodingRate > 4 {
		return fmt.Errorf("coding rate %d out of range [1,4]", p.CodingRate)
	}
	if p.PreambleLength < 0 {
		return fmt.Errorf("preamble length must be non-negative, got %d", p.PreambleLength)
	}
	if p.LowDataRateOpt && p.SpreadingFactor <= 2 {
		return fmt.Errorf("low data rate optimisation needs SF > 2")
	}
	return nil
}

// SymbolTime is 2^SF / BW.
func (p LoRaParams) SymbolTime() time.Duration {
	return seconds(math.Pow(2, float64(p.SpreadingFactor)) / p.BandwidthHz)
}

// Airtime returns the on-air duration of a payloadSize byte frame using the
// Semtech time-on-air formula.
func (p LoRaParams) Airtime(payloadSize int) time.Duration {
	sf := float64(p.SpreadingFactor)
	tSym := math.Pow(2, sf) / p.BandwidthHz

	num := 8*float64(payloadSize) - 4*sf + 28 + 16*b2f(p.CRC) - 20*b2f(p.ImplicitHeader)
	den := 4 * (sf - 2*b2f(p.LowDataRateOpt))
	payloadSymbols := 8 + math.Max(math.Ceil(num/den)*float64(p.CodingRate+4), 0)

	return seconds(tSym * (float64(p.PreambleLength) + payloadSymbols))
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
