package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dBoard/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding.
// Records keep their padded codec form, so json messages are the largest of the three formats.
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

type jsonSerializerImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("json: encode %s message: %w", msg.MsgType, err)
	}
	return b, nil
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	if err := json.Unmarshal(b, msg); err != nil {
		return fmt.Errorf("json: decode message of %d bytes: %w", len(b), err)
	}
	return nil
}
