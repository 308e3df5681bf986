package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sigurn/crc16"
)

// Common errors
var (
	// ErrNoRecord means no valid record exists: never written, fully
	// erased, or every slot failed its checksum.
	ErrNoRecord = errors.New("no valid record")

	// ErrWriteFailed means the flash did not accept or did not retain the
	// programmed record. Not retryable without an erase.
	ErrWriteFailed = errors.New("flash write failed")

	// ErrTooLarge means the payload does not fit a slot
	ErrTooLarge = errors.New("record too large for slot")
)

const (
	recordMagic  = 0x504d4c52 // "PMLR"
	headerSize   = 12         // magic(4) seq(4) len(2) crc(2)
	slotCount    = 2
	erasedMarker = 0xFFFFFFFF
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Record is one committed generation of persistent state
type Record struct {
	Seq     uint32
	Payload []byte
}

// RecordStore persists records in two alternating slots. A save programs
// the slot not holding the current record and only the record's own
// checksum marks it valid, so power loss at any byte leaves the previous
// generation intact: a reader sees the old record or the new one, never a
// torn value.
type RecordStore struct {
	flash     Flash
	slotSize  int64
	endurance uint32 // program/erase cycles per slot the part is rated for

	current *Record // cached last committed record
}

// Options tunes a RecordStore
type Options struct {
	// Endurance is the rated program/erase cycle count per slot. Zero
	// selects the 100k cycles typical of NOR parts.
	Endurance uint32
}

// New creates a RecordStore over the flash region, splitting it into two
// equal slots, and recovers the most recent committed record.
func New(flash Flash, opts Options) (*RecordStore, error) {
	if flash.Size() < slotCount*headerSize {
		return nil, fmt.Errorf("flash region too small: %d bytes", flash.Size())
	}
	endurance := opts.Endurance
	if endurance == 0 {
		endurance = 100_000
	}

	s := &RecordStore{
		flash:     flash,
		slotSize:  flash.Size() / slotCount,
		endurance: endurance,
	}

	rec, err := s.scan()
	if err != nil && !errors.Is(err, ErrNoRecord) {
		return nil, err
	}
	s.current = rec
	return s, nil
}

// Load returns the most recent valid record. A corrupt slot is treated as
// absent; both slots corrupt or blank yields ErrNoRecord.
func (s *RecordStore) Load() (*Record, error) {
	if s.current == nil {
		return nil, ErrNoRecord
	}
	cp := &Record{Seq: s.current.Seq, Payload: append([]byte(nil), s.current.Payload...)}
	return cp, nil
}

// Save commits payload as the next record generation. The write goes to
// the slot not holding the current record; the record is read back and
// verified before it is accepted as current. If power is lost mid-write
// the half-programmed slot fails its checksum on the next scan and the
// previous generation remains the live one.
func (s *RecordStore) Save(payload []byte) error {
	if int64(len(payload))+headerSize > s.slotSize {
		return fmt.Errorf("%w: %d bytes, slot %d", ErrTooLarge, len(payload), s.slotSize)
	}

	seq := uint32(1)
	if s.current != nil {
		seq = s.current.Seq + 1
	}
	// Alternating by sequence number keeps the current record's slot
	// untouched for the whole write
	slot := int(seq % slotCount)

	buf := s.encode(seq, payload)
	off := int64(slot) * s.slotSize

	if err := s.flash.EraseRegion(off, s.slotSize); err != nil {
		return fmt.Errorf("%w: erase slot %d: %v", ErrWriteFailed, slot, err)
	}
	if err := s.flash.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%w: program slot %d: %v", ErrWriteFailed, slot, err)
	}

	// Read back and verify before the record counts as committed
	verify := make([]byte, len(buf))
	if err := s.flash.ReadAt(verify, off); err != nil {
		return fmt.Errorf("%w: verify slot %d: %v", ErrWriteFailed, slot, err)
	}
	if !bytes.Equal(buf, verify) {
		return fmt.Errorf("%w: verify mismatch in slot %d", ErrWriteFailed, slot)
	}

	s.current = &Record{Seq: seq, Payload: append([]byte(nil), payload...)}
	return nil
}

// Erase invalidates both slots
func (s *RecordStore) Erase() error {
	for slot := 0; slot < slotCount; slot++ {
		if err := s.flash.EraseRegion(int64(slot)*s.slotSize, s.slotSize); err != nil {
			return fmt.Errorf("%w: erase slot %d: %v", ErrWriteFailed, slot, err)
		}
	}
	s.current = nil
	return nil
}

// WearFraction reports consumed flash endurance, 0 new to 1 worn out.
// Derived from the record sequence number so it survives restarts: each
// slot has been programmed roughly seq/2 times.
func (s *RecordStore) WearFraction() float64 {
	if s.current == nil {
		return 0
	}
	frac := float64(s.current.Seq/slotCount) / float64(s.endurance)
	if frac > 1 {
		return 1
	}
	return frac
}

func (s *RecordStore) encode(seq uint32, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	binary.LittleEndian.PutUint32(buf[4:8], seq)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(payload)))
	copy(buf[headerSize:], payload)

	// Checksum covers seq, length and payload so a torn header is as
	// detectable as a torn payload
	crc := crc16.Checksum(append(append([]byte{}, buf[4:10]...), payload...), crcTable)
	binary.LittleEndian.PutUint16(buf[10:12], crc)
	return buf
}

// scan reads both slots and returns the valid record with the highest
// sequence number
func (s *RecordStore) scan() (*Record, error) {
	var best *Record
	for slot := 0; slot < slotCount; slot++ {
		rec, err := s.readSlot(slot)
		if err != nil {
			continue
		}
		if best == nil || rec.Seq > best.Seq {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNoRecord
	}
	return best, nil
}

func (s *RecordStore) readSlot(slot int) (*Record, error) {
	off := int64(slot) * s.slotSize

	header := make([]byte, headerSize)
	if err := s.flash.ReadAt(header, off); err != nil {
		return nil, err
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic == erasedMarker {
		return nil, ErrNoRecord
	}
	if magic != recordMagic {
		log.Debug().Int("slot", slot).Uint32("magic", magic).Msg("slot has foreign magic, treating as absent")
		return nil, ErrNoRecord
	}

	seq := binary.LittleEndian.Uint32(header[4:8])
	length := binary.LittleEndian.Uint16(header[8:10])
	wantCRC := binary.LittleEndian.Uint16(header[10:12])

	if int64(length)+headerSize > s.slotSize {
		return nil, ErrNoRecord
	}

	payload := make([]byte, length)
	if err := s.flash.ReadAt(payload, off+headerSize); err != nil {
		return nil, err
	}

	crc := crc16.Checksum(append(append([]byte{}, header[4:10]...), payload...), crcTable)
	if crc != wantCRC {
		log.Debug().Int("slot", slot).Uint32("seq", seq).Msg("slot checksum mismatch, treating as absent")
		return nil, ErrNoRecord
	}

	return &Record{Seq: seq, Payload: payload}, nil
}
