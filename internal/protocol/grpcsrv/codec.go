package grpcsrv

import "fmt"

// rawCodec moves frames as opaque byte slices so the generic handler
// can decode them against whatever descriptor the current registry
// holds. Marshal accepts []byte, Unmarshal fills *[]byte.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: cannot marshal %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	dst, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: cannot unmarshal into %T", v)
	}
	*dst = data
	return nil
}

func (rawCodec) Name() string { return "proto" }
