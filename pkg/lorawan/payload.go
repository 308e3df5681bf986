package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// CalculateMIC computes the 4-byte CMAC truncation used everywhere a MIC is needed
func CalculateMIC(key []byte, data []byte) ([4]byte, error) {
	var mic [4]byte
	hash, err := aesCMACPRF(key, data)
	if err != nil {
		return mic, err
	}
	copy(mic[:], hash[0:4])
	return mic, nil
}

// micBlockB0 builds the B0 block prepended to data frames for MIC calculation
func micBlockB0(devAddr DevAddr, fullFCnt uint32, uplink bool, msgLen int) []byte {
	b0 := make([]byte, 16)
	b0[0] = 0x49
	if !uplink {
		b0[5] = 0x01
	}
	copy(b0[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(b0[10:14], fullFCnt)
	b0[15] = byte(msgLen)
	return b0
}

// SetUplinkDataMIC calculates and sets the MIC of an uplink data frame
// (LoRaWAN 1.0.x, NwkSKey). fullFCnt is the device's 32-bit uplink counter,
// of which only the low 16 bits travel in the FHDR.
func (p *PHYPayload) SetUplinkDataMIC(nwkSKey AES128Key, fullFCnt uint32) error {
	macPayload := &MACPayload{}
	if err := macPayload.Unmarshal(p.MACPayload, true); err != nil {
		return fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	b0 := micBlockB0(macPayload.FHDR.DevAddr, fullFCnt, true, 1+len(p.MACPayload))

	micPayload := make([]byte, 0, len(b0)+1+len(p.MACPayload))
	micPayload = append(micPayload, b0...)
	micPayload = append(micPayload, p.MHDR.headerByte())
	micPayload = append(micPayload, p.MACPayload...)

	mic, err := CalculateMIC(nwkSKey[:], micPayload)
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkDataMIC checks the MIC of an uplink data frame
func (p *PHYPayload) ValidateUplinkDataMIC(nwkSKey AES128Key, fullFCnt uint32) (bool, error) {
	origMIC := p.MIC
	if err := p.SetUplinkDataMIC(nwkSKey, fullFCnt); err != nil {
		return false, err
	}
	valid := p.MIC == origMIC
	p.MIC = origMIC
	return valid, nil
}

// SetDownlinkDataMIC calculates and sets the MIC of a downlink data frame
func (p *PHYPayload) SetDownlinkDataMIC(nwkSKey AES128Key, fullFCnt uint32) error {
	macPayload := &MACPayload{}
	if err := macPayload.Unmarshal(p.MACPayload, false); err != nil {
		return fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	b0 := micBlockB0(macPayload.FHDR.DevAddr, fullFCnt, false, 1+len(p.MACPayload))

	micPayload := make([]byte, 0, len(b0)+1+len(p.MACPayload))
	micPayload = append(micPayload, b0...)
	micPayload = append(micPayload, p.MHDR.headerByte())
	micPayload = append(micPayload, p.MACPayload...)

	mic, err := CalculateMIC(nwkSKey[:], micPayload)
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateDownlinkDataMIC checks the MIC of a downlink data frame against the
// session network key and the reconstructed 32-bit downlink counter
func (p *PHYPayload) ValidateDownlinkDataMIC(nwkSKey AES128Key, fullFCnt uint32) (bool, error) {
	origMIC := p.MIC
	if err := p.SetDownlinkDataMIC(nwkSKey, fullFCnt); err != nil {
		return false, err
	}
	valid := p.MIC == origMIC
	p.MIC = origMIC
	return valid, nil
}

// SetJoinRequestMIC sets the MIC of a join request:
// aes128_cmac(AppKey, MHDR | JoinEUI | DevEUI | DevNonce)
func (p *PHYPayload) SetJoinRequestMIC(appKey AES128Key) error {
	data := make([]byte, 0, 1+len(p.MACPayload))
	data = append(data, p.MHDR.headerByte())
	data = append(data, p.MACPayload...)

	mic, err := CalculateMIC(appKey[:], data)
	if err != nil {
		return fmt.Errorf("calculate join request MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateJoinAcceptMIC checks the MIC of an already decrypted join accept
func (p *PHYPayload) ValidateJoinAcceptMIC(appKey AES128Key) (bool, error) {
	data := make([]byte, 0, 1+len(p.MACPayload))
	data = append(data, p.MHDR.headerByte())
	data = append(data, p.MACPayload...)

	mic, err := CalculateMIC(appKey[:], data)
	if err != nil {
		return false, fmt.Errorf("calculate join accept MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// SetJoinAcceptMIC sets the MIC of a plaintext join accept. The network side
// of the exchange; kept so the device can be tested against a real peer.
func (p *PHYPayload) SetJoinAcceptMIC(appKey AES128Key) error {
	data := make([]byte, 0, 1+len(p.MACPayload))
	data = append(data, p.MHDR.headerByte())
	data = append(data, p.MACPayload...)

	mic, err := CalculateMIC(appKey[:], data)
	if err != nil {
		return fmt.Errorf("calculate join accept MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// EncryptJoinAcceptPayload encrypts MACPayload|MIC in place using the AES
// decrypt operation, as the LoRaWAN spec requires. Network side.
func (p *PHYPayload) EncryptJoinAcceptPayload(appKey AES128Key) error {
	plaintext := make([]byte, len(p.MACPayload)+4)
	copy(plaintext, p.MACPayload)
	copy(plaintext[len(p.MACPayload):], p.MIC[:])

	if len(plaintext)%aes.BlockSize != 0 {
		return fmt.Errorf("invalid join accept length: %d", len(plaintext))
	}

	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return err
	}

	ciphertext := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i += aes.BlockSize {
		block.Decrypt(ciphertext[i:i+aes.BlockSize], plaintext[i:i+aes.BlockSize])
	}

	// The MIC travels inside the encrypted blob from here on
	p.MACPayload = ciphertext
	return nil
}

// DecryptJoinAcceptPayload reverses EncryptJoinAcceptPayload: the encrypted
// MACPayload is run through AES encrypt and split back into payload and MIC.
// Device side.
func (p *PHYPayload) DecryptJoinAcceptPayload(appKey AES128Key) error {
	if len(p.MACPayload)%aes.BlockSize != 0 || len(p.MACPayload) < 16 {
		return fmt.Errorf("invalid encrypted join accept length: %d", len(p.MACPayload))
	}

	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return err
	}

	plaintext := make([]byte, len(p.MACPayload))
	for i := 0; i < len(p.MACPayload); i += aes.BlockSize {
		block.Encrypt(plaintext[i:i+aes.BlockSize], p.MACPayload[i:i+aes.BlockSize])
	}

	p.MACPayload = plaintext[:len(plaintext)-4]
	copy(p.MIC[:], plaintext[len(plaintext)-4:])
	return nil
}

// EncryptFRMPayload encrypts or decrypts an FRM payload (the operation is its
// own inverse) with the A_i counter-mode keystream
func EncryptFRMPayload(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	k := (len(payload) + 15) / 16

	ai := make([]byte, 16)
	ai[0] = 0x01
	if !uplink {
		ai[5] = 0x01
	}
	copy(ai[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(ai[10:14], fCnt)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		ai[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], ai)
	}

	encrypted := make([]byte, len(payload))
	for i := range payload {
		encrypted[i] = payload[i] ^ s[i]
	}

	return encrypted, nil
}

// GetFullFCnt reconstructs the 32-bit frame counter from the 16 bits on the
// wire and the last known full value
func GetFullFCnt(lastFCnt uint32, fCnt uint16) uint32 {
	upperBits := lastFCnt & 0xFFFF0000

	if uint16(lastFCnt) > fCnt && (uint16(lastFCnt)-fCnt) > 0x8000 {
		// Rollover occurred
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt)
}

// MarshalBinary marshals PHYPayload to its over-the-air form. Join accepts
// carry the MIC inside the encrypted MACPayload and get no trailing MIC.
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, p.MHDR.headerByte())
	data = append(data, p.MACPayload...)

	if p.MHDR.MType != JoinAccept {
		data = append(data, p.MIC[:]...)
	}

	return data, nil
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)

	if p.MHDR.MType == JoinAccept {
		// MIC is inside the encrypted payload
		p.MACPayload = data[1:]
		return nil
	}

	if len(data) < 12 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}
	p.MACPayload = data[1 : len(data)-4]
	copy(p.MIC[:], data[len(data)-4:])
	return nil
}

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(isUplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > 15 {
		return nil, fmt.Errorf("FOpts too long: %d bytes", len(m.FHDR.FOpts))
	}

	var data []byte

	data = append(data, m.FHDR.DevAddr[:]...)

	fctrl := byte(0)
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if isUplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	fctrl |= byte(len(m.FHDR.FOpts)) & 0x0F
	data = append(data, fctrl)

	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	if m.FPort != nil {
		data = append(data, *m.FPort)
		// FRMPayload only present if FPort is present
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, isUplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload too short: %d bytes", len(data))
	}

	pos := 0

	copy(m.FHDR.DevAddr[:], data[pos:pos+4])
	pos += 4

	fctrl := data[pos]
	m.FHDR.FCtrl.ADR = (fctrl & 0x80) != 0
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = (fctrl & 0x40) != 0
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.ClassB = (fctrl & 0x10) != 0
	} else {
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.FPending = (fctrl & 0x10) != 0
	}
	foptsLen := int(fctrl & 0x0F)
	pos++

	m.FHDR.FCnt = uint16(data[pos]) | uint16(data[pos+1])<<8
	pos += 2

	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return fmt.Errorf("invalid FOpts length")
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++

		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
	}

	return nil
}

// MarshalBinary marshals a join request payload (all fields little-endian
// per the over-the-air byte order)
func (j *JoinRequestPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 18)
	copy(data[0:8], j.JoinEUI[:])
	copy(data[8:16], j.DevEUI[:])
	copy(data[16:18], j.DevNonce[:])
	return data, nil
}

// UnmarshalBinary unmarshals a join request payload
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("invalid JoinRequest length: expected 18, got %d", len(data))
	}

	copy(j.JoinEUI[:], data[0:8])
	copy(j.DevEUI[:], data[8:16])
	copy(j.DevNonce[:], data[16:18])

	return nil
}

// MarshalBinary marshals a join accept payload
func (j *JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	size := 12 + len(j.CFList)

	data := make([]byte, size)
	copy(data[0:3], j.JoinNonce[:])
	copy(data[3:6], j.NetID[:])
	copy(data[6:10], j.DevAddr[:])
	data[10] = (j.DLSettings.RX1DROffset << 4) | (j.DLSettings.RX2DataRate & 0x0F)
	data[11] = j.RxDelay

	if len(j.CFList) > 0 {
		copy(data[12:], j.CFList)
	}

	return data, nil
}

// UnmarshalBinary unmarshals a join accept payload
func (j *JoinAcceptPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("invalid JoinAccept length: minimum 12, got %d", len(data))
	}

	copy(j.JoinNonce[:], data[0:3])
	copy(j.NetID[:], data[3:6])
	copy(j.DevAddr[:], data[6:10])
	j.DLSettings.RX1DROffset = (data[10] >> 4) & 0x07
	j.DLSettings.RX2DataRate = data[10] & 0x0F
	j.RxDelay = data[11]

	if len(data) > 12 {
		j.CFList = make([]byte, len(data)-12)
		copy(j.CFList, data[12:])
	}

	return nil
}
