package badgerstore

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v4"
)

// encode msgpack-encodes the entity and compresses the result with snappy.
func encode(entity interface{}) ([]byte, error) {
	raw, err := msgpack.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("could not encode entity: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func decode(val []byte, entity interface{}) error {
	raw, err := snappy.Decode(nil, val)
	if err != nil {
		return fmt.Errorf("could not uncompress data: %w", err)
	}
	if err := msgpack.Unmarshal(raw, entity); err != nil {
		return fmt.Errorf("could not decode entity: %w", err)
	}
	return nil
}
