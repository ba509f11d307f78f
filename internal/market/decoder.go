package market

import (
	"encoding/binary"
	"sync/atomic"
	"time"
)

// priceDivisor converts the broker's integer-paise price encoding to rupees
// for NSE/BSE equities. Other segments use exchange-specific divisors not
// modeled here.
const priceDivisor = 100.0

const (
	lenLTP   = 8
	lenQuote = 44
	lenFull  = 184
)

// Decoder turns one binary streaming frame into zero or more Snapshots. It
// never panics on malformed input: invalid sub-packet lengths are counted
// and dropped, and the frame's packet count is bounds-checked against the
// remaining buffer.
type Decoder struct {
	dropped int64
}

// Decode parses frame, a length-prefixed sequence of sub-packets. The first
// two bytes (big-endian uint16) are the sub-packet count; each sub-packet is
// itself length-prefixed by a two-byte big-endian uint16.
func (d *Decoder) Decode(frame []byte) []Snapshot {
	if len(frame) < 2 {
		return nil
	}

	count := binary.BigEndian.Uint16(frame[0:2])
	offset := 2
	out := make([]Snapshot, 0, count)

	for i := uint16(0); i < count; i++ {
		if offset+2 > len(frame) {
			atomic.AddInt64(&d.dropped, 1)
			break
		}
		packetLen := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2

		if offset+packetLen > len(frame) {
			atomic.AddInt64(&d.dropped, 1)
			break
		}
		packet := frame[offset : offset+packetLen]
		offset += packetLen

		snap, ok := decodePacket(packet)
		if !ok {
			atomic.AddInt64(&d.dropped, 1)
			continue
		}
		out = append(out, snap)
	}

	return out
}

// Dropped returns the count of sub-packets dropped for invalid length or
// truncation since the decoder was created.
func (d *Decoder) Dropped() int64 { return atomic.LoadInt64(&d.dropped) }

func decodePacket(p []byte) (Snapshot, bool) {
	switch len(p) {
	case lenLTP:
		return decodeLTP(p), true
	case lenQuote:
		return decodeQuote(p), true
	case lenFull:
		return decodeFull(p), true
	default:
		return Snapshot{}, false
	}
}

func readInt32(p []byte, offset int) int32 {
	return int32(binary.BigEndian.Uint32(p[offset : offset+4]))
}

func decodeLTP(p []byte) Snapshot {
	return Snapshot{
		InstrumentToken: binary.BigEndian.Uint32(p[0:4]),
		LTP:             float64(readInt32(p, 4)) / priceDivisor,
		Timestamp:       time.Now().UTC(),
	}
}

func decodeQuote(p []byte) Snapshot {
	s := Snapshot{
		InstrumentToken: binary.BigEndian.Uint32(p[0:4]),
		LTP:             float64(readInt32(p, 4)) / priceDivisor,
		Volume:          binary.BigEndian.Uint32(p[16:20]),
		Timestamp:       time.Now().UTC(),
	}
	s.OHLC = &OHLC{
		Open:  float64(readInt32(p, 28)) / priceDivisor,
		High:  float64(readInt32(p, 32)) / priceDivisor,
		Low:   float64(readInt32(p, 36)) / priceDivisor,
		Close: float64(readInt32(p, 40)) / priceDivisor,
	}
	if s.OHLC.Close > 0 {
		s.Change = s.LTP - s.OHLC.Close
		s.ChangePercent = s.Change / s.OHLC.Close * 100
	}
	return s
}

// depthEntryLen is the byte width of one market-depth level: quantity(4) +
// price(4) + orders(2) + padding(2).
const depthEntryLen = 12
const depthLevels = 5 // 5 bid + 5 ask

func decodeFull(p []byte) Snapshot {
	s := decodeQuote(p[:lenQuote])

	depthStart := 64
	bidPrice, bidQty := 0.0, uint32(0)
	askPrice, askQty := 0.0, uint32(0)

	for level := 0; level < depthLevels; level++ {
		off := depthStart + level*depthEntryLen
		if off+depthEntryLen > len(p) {
			break
		}
		qty := binary.BigEndian.Uint32(p[off : off+4])
		price := float64(readInt32(p, off+4)) / priceDivisor
		if level == 0 {
			bidQty, bidPrice = qty, price
		}
	}
	askStart := depthStart + depthLevels*depthEntryLen
	for level := 0; level < depthLevels; level++ {
		off := askStart + level*depthEntryLen
		if off+depthEntryLen > len(p) {
			break
		}
		qty := binary.BigEndian.Uint32(p[off : off+4])
		price := float64(readInt32(p, off+4)) / priceDivisor
		if level == 0 {
			askQty, askPrice = qty, price
		}
	}

	_ = bidQty
	_ = askQty
	s.Bid = bidPrice
	s.Ask = askPrice
	return s
}
