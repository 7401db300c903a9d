package media_sdp

// Negotiate вычисляет итоговое (final) описание по RFC 3264.
//
// Если localIsOfferer == false, remote является предложением и результат
// содержит по одному потоку на каждый предложенный поток, кодеки упорядочены
// по предложению. Если localIsOfferer == true, remote является ответом,
// число потоков обязано совпадать, кодеки упорядочены по локальным предпочтениям.
//
// Результат всегда строится заново из local: адрес и порт берутся из
// локального потока, кодеки несут номера payload type удаленной стороны.
func Negotiate(local, remote *MediaDescription, localIsOfferer bool) (*MediaDescription, error) {
	if local == nil {
		return nil, NewSDPError(ErrorCodeNoOffer, "local media description is not set")
	}
	if remote == nil {
		return nil, NewSDPError(ErrorCodeNoOffer, "remote media description is not set")
	}

	final := local.Clone()
	final.Bandwidth = minBandwidth(local.Bandwidth, remote.Bandwidth)
	final.Streams = make([]StreamDescription, 0, len(remote.Streams))

	if localIsOfferer {
		if len(local.Streams) != len(remote.Streams) {
			return nil, NewSDPError(ErrorCodeStreamCountMismatch,
				"answer has %d streams, offer had %d", len(remote.Streams), len(local.Streams))
		}
		for i := range local.Streams {
			l, r := &local.Streams[i], &remote.Streams[i]
			if l.Type != r.Type {
				return nil, NewStreamError(ErrorCodeSDPStructure, i,
					"answer stream type %s does not match offered %s", r.Type, l.Type)
			}
			final.Streams = append(final.Streams, negotiateStream(l, r, false))
		}
		return final, nil
	}

	used := make([]bool, len(local.Streams))
	for i := range remote.Streams {
		r := &remote.Streams[i]
		l := pickLocalStream(local, used, i, r.Type)
		if l == nil {
			final.Streams = append(final.Streams, rejectStream(r))
			continue
		}
		final.Streams = append(final.Streams, negotiateStream(l, r, true))
	}
	return final, nil
}

// pickLocalStream ищет локальный поток для предложенного потока index:
// сначала по той же позиции, затем первый неиспользованный того же типа
func pickLocalStream(local *MediaDescription, used []bool, index int, mediaType string) *StreamDescription {
	if index < len(local.Streams) && !used[index] && local.Streams[index].Type == mediaType {
		used[index] = true
		return &local.Streams[index]
	}
	for i := range local.Streams {
		if !used[i] && local.Streams[i].Type == mediaType {
			used[i] = true
			return &local.Streams[i]
		}
	}
	return nil
}

func negotiateStream(l, r *StreamDescription, answering bool) StreamDescription {
	if l.Rejected || r.Rejected || r.Port == 0 {
		return rejectStream(l)
	}

	out := l.Clone()
	out.Codecs = nil
	if answering {
		out.Proto = r.Proto
		// порядок предложения, номера предложения
		for _, rc := range r.Codecs {
			if idx := l.findCodec(rc); idx >= 0 {
				out.Codecs = append(out.Codecs, mergeCodec(rc, l.Codecs[idx]))
			}
		}
	} else {
		// локальный порядок, номера из ответа
		for _, lc := range l.Codecs {
			if idx := r.findCodec(lc); idx >= 0 {
				out.Codecs = append(out.Codecs, mergeCodec(r.Codecs[idx], lc))
			}
		}
	}

	hasPrimary := false
	for _, c := range out.Codecs {
		if !c.IsAuxiliary() {
			hasPrimary = true
			break
		}
	}
	if !hasPrimary {
		return rejectStream(l)
	}

	out.Direction = directionFrom(
		l.Direction.CanSend() && r.Direction.CanRecv(),
		l.Direction.CanRecv() && r.Direction.CanSend(),
	)
	out.Bandwidth = minBandwidth(l.Bandwidth, r.Bandwidth)
	return out
}

// mergeCodec берет номер и fmtp удаленной стороны, fmtp локальной стороны
// используется только если удаленная его не указала
func mergeCodec(remote, local Codec) Codec {
	c := remote
	if c.Fmtp == "" {
		c.Fmtp = local.Fmtp
	}
	return c
}

func rejectStream(s *StreamDescription) StreamDescription {
	return StreamDescription{
		Type:      s.Type,
		Proto:     s.Proto,
		Address:   s.Address,
		Port:      0,
		Direction: DirectionInactive,
		Rejected:  true,
	}
}

func minBandwidth(a, b int) int {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
