package dcgm

import "fmt"

// LatestValues fetches the most recent value of each field for one GPU. With
// live the daemon samples the hardware instead of answering from cache.
//
// The result is returned only when every requested record was filled; a
// shorter answer is a *FieldValueError. Records whose own status is not OK
// decode as blank.
func (s *Session) LatestValues(device uint, fields []FieldID, live bool) ([]FieldValue, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if len(fields) == 0 {
		return []FieldValue{}, nil
	}

	entities := []entityPair{{EntityGroupID: EntityGroupGPU, EntityID: uint32(device)}}
	ids := append([]FieldID(nil), fields...)
	raw := make([]fieldValueV2, len(ids))
	for i := range raw {
		raw[i].Version = fieldValueVersion2
	}

	var flags uint32
	if live {
		flags |= flagLiveData
	}

	if ret := s.lib.EntitiesGetLatestValues(s.handle, entities, ids, flags, raw); ret != StOK {
		return nil, apiError("dcgmEntitiesGetLatestValues", ret)
	}

	values := make([]FieldValue, 0, len(raw))
	for i := range raw {
		// An unfilled slot keeps a zero field id.
		if raw[i].FieldID == 0 {
			continue
		}
		values = append(values, decodeFieldValue(&raw[i]))
	}
	if len(values) < len(ids) {
		return nil, &FieldValueError{
			Context: fmt.Sprintf("incomplete data: got %d of %d values for gpu %d", len(values), len(ids), device),
		}
	}
	return values, nil
}
