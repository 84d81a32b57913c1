package session

// VariantKind names the five session variants of spec §4.7, each of
// which overrides how (or whether) a compound report carries an RSI
// block, over the shared Base machinery.
type VariantKind int

const (
	// VariantASM is an any-source multicast / point-to-multipoint
	// session: no RSI, plain SR/RR/SDES reports.
	VariantASM VariantKind = iota
	// VariantPTP is a point-to-point session: no RSI either, but the
	// per-member bandwidth path typically carries a configured
	// per-member bandwidth rather than a session-wide AS split.
	VariantPTP
	// VariantSSMSource is a source-specific-multicast distribution
	// source: appends an RSI carrying a BISB subreport advertising its
	// view of per-member bandwidth to the group.
	VariantSSMSource
	// VariantSSMReceiver is an SSM receiver: parses RSI GAPSB/BISB
	// subreports from the distribution source but never emits its own.
	VariantSSMReceiver
	// VariantSSMFBT is an SSM feedback target: appends an RSI carrying
	// a GAPSB subreport summarizing group size back toward receivers.
	VariantSSMFBT
)

// Variant wraps a Base with the per-kind RSI behavior of spec §4.7's
// method-table override, grounded on the teacher's pattern of a shared
// connection core (conn.go) specialized by small per-protocol wrapper
// types (clientconnread.go vs clientconnpublish.go) rather than a single
// monolithic type switch.
type Variant struct {
	*Base
	Kind VariantKind
}

// NewVariant wraps base as kind, with no further state: the variants
// differ only in what ConstructReport appends, not in how members or
// sequence state are tracked.
func NewVariant(base *Base, kind VariantKind) *Variant {
	return &Variant{Base: base, Kind: kind}
}

// AppendsRSI reports whether this variant's outgoing reports carry an
// RSI block, per spec §4.7's table ("SSM-Source: appends RSI w/ BISB",
// "SSM-FBT: appends RSI w/ GAPSB").
func (v *Variant) AppendsRSI() bool {
	switch v.Kind {
	case VariantSSMSource, VariantSSMFBT:
		return true
	default:
		return false
	}
}

// ConstructReport builds the base compound report and, for the two
// variants that emit RSI, appends one carrying this session's own view
// of the fields spec §4.7 assigns to each role:
//   - SSM-Source advertises BISB: its own per-member bandwidth for
//     whichever roles it has resolved a TotRoleBW for.
//   - SSM-FBT advertises GAPSB: the group size and average packet size
//     it has learned across the session, for receivers to fold into
//     their own nmembers_learned via ApplyGAPSB.
func (v *Variant) ConstructReport() ([]byte, error) {
	base, err := v.Base.ConstructReport()
	if err != nil {
		return nil, err
	}
	if !v.AppendsRSI() {
		return base, nil
	}

	v.mu.Lock()
	var subreports [][]byte
	switch v.Kind {
	case VariantSSMSource:
		if v.sndr.HaveTotRoleBW {
			subreports = append(subreports, MarshalBISB(BISBSubreport{
				SenderSet:   true,
				PerMemberBW: uint32(v.sndr.TotRoleBW),
			}))
		}
		if v.rcvr.HaveTotRoleBW {
			subreports = append(subreports, MarshalBISB(BISBSubreport{
				ReceiverSet: true,
				PerMemberBW: uint32(v.rcvr.TotRoleBW),
			}))
		}
	case VariantSSMFBT:
		groupSize := v.nmembers + v.nmembersLearned
		subreports = append(subreports, MarshalGAPSB(GAPSBSubreport{
			GroupSize:         uint32(groupSize),
			AveragePacketSize: uint16(v.stats.AvgPktSize),
		}))
	}
	ssrc := v.localSSRC
	v.mu.Unlock()

	if len(subreports) == 0 {
		return base, nil
	}
	return append(base, marshalRSI(ssrc, subreports)...), nil
}

// marshalRSI wraps one or more subreport blocks in an RSI packet's own
// (common header + SSRC) envelope, mirroring the SR/RR/XR layout of a
// 4-byte RTCP common header followed by a reporting SSRC.
func marshalRSI(ssrc uint32, subreports [][]byte) []byte {
	body := make([]byte, 0, 8)
	var ssrcBuf [4]byte
	putUint32(ssrcBuf[:], ssrc)
	body = append(body, ssrcBuf[:]...)
	for _, s := range subreports {
		body = append(body, s...)
	}

	// lengthWords counts 32-bit words after the 4-byte common header
	// (RFC 3550 §6.4.1); body already excludes that header.
	lengthWords := len(body) / 4
	header := []byte{
		0x80, // V=2, P=0, subtype unused
		ptRSI,
		byte(lengthWords >> 8), byte(lengthWords),
	}
	return append(header, body...)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
