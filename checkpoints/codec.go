package checkpoints

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Binary layout: magic, little-endian uint32 version, protobuf-wire body,
// little-endian CRC-32 (IEEE) of everything before it.
const (
	magic         = "MMBTCKPT"
	formatVersion = 1
	headerLen     = len(magic) + 4
	trailerLen    = 4
)

// Field numbers of the checkpoint message.
const (
	fieldEpoch        protowire.Number = 1
	fieldNNoImprove   protowire.Number = 2
	fieldBestMetric   protowire.Number = 3
	fieldWeight       protowire.Number = 4
	fieldOptimizer    protowire.Number = 5
	fieldScheduler    protowire.Number = 6
	fieldMetadata     protowire.Number = 7
	fieldGlobalStep   protowire.Number = 8
	fieldLearningRate protowire.Number = 9
)

// Field numbers shared by weight and optimizer tensors.
const (
	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3
	tensorTag   protowire.Number = 4 // group or state type
)

const (
	optimizerType   protowire.Number = 1
	optimizerParams protowire.Number = 2
	optimizerTensor protowire.Number = 3
)

const (
	schedulerBest        protowire.Number = 1
	schedulerNumBad      protowire.Number = 2
	schedulerLastEpoch   protowire.Number = 3
	schedulerCooldown    protowire.Number = 4
	schedulerInitialized protowire.Number = 5
)

const (
	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaCreatedAt   protowire.Number = 3
	metaRunID       protowire.Number = 4
	metaDescription protowire.Number = 5
	metaTag         protowire.Number = 6
)

func hasMagic(payload []byte) bool {
	return bytes.HasPrefix(payload, []byte(magic))
}

func encodeProto(c *Checkpoint) ([]byte, error) {
	var body []byte
	body = appendVarint(body, fieldEpoch, int64(c.TrainingState.Epoch))
	body = appendVarint(body, fieldNNoImprove, int64(c.TrainingState.NNoImprove))
	body = appendDouble(body, fieldBestMetric, float64(c.TrainingState.BestMetric))
	body = appendVarint(body, fieldGlobalStep, int64(c.TrainingState.GlobalStep))
	body = appendDouble(body, fieldLearningRate, c.TrainingState.LearningRate)

	for _, w := range c.Weights {
		body = protowire.AppendTag(body, fieldWeight, protowire.BytesType)
		body = protowire.AppendBytes(body, encodeTensor(w.Name, w.Shape, w.Data, w.Group))
	}

	if c.OptimizerState != nil {
		msg, err := encodeOptimizer(c.OptimizerState)
		if err != nil {
			return nil, err
		}
		body = protowire.AppendTag(body, fieldOptimizer, protowire.BytesType)
		body = protowire.AppendBytes(body, msg)
	}

	if s := c.SchedulerState; s != nil {
		var msg []byte
		msg = appendDouble(msg, schedulerBest, float64(s.Best))
		msg = appendVarint(msg, schedulerNumBad, int64(s.NumBadEpochs))
		msg = appendVarint(msg, schedulerLastEpoch, int64(s.LastEpoch))
		msg = appendVarint(msg, schedulerCooldown, int64(s.CooldownCounter))
		msg = appendVarint(msg, schedulerInitialized, int64(protowire.EncodeBool(s.Initialized)))
		body = protowire.AppendTag(body, fieldScheduler, protowire.BytesType)
		body = protowire.AppendBytes(body, msg)
	}

	m := c.Metadata
	var meta []byte
	meta = appendString(meta, metaVersion, m.Version)
	meta = appendString(meta, metaFramework, m.Framework)
	meta = appendVarint(meta, metaCreatedAt, m.CreatedAt.UnixNano())
	meta = appendString(meta, metaRunID, m.RunID)
	meta = appendString(meta, metaDescription, m.Description)
	for _, tag := range m.Tags {
		meta = appendString(meta, metaTag, tag)
	}
	body = protowire.AppendTag(body, fieldMetadata, protowire.BytesType)
	body = protowire.AppendBytes(body, meta)

	out := make([]byte, 0, headerLen+len(body)+trailerLen)
	out = append(out, magic...)
	out = binary.LittleEndian.AppendUint32(out, formatVersion)
	out = append(out, body...)
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	return out, nil
}

func decodeProto(payload []byte) (*Checkpoint, error) {
	if len(payload) < headerLen+trailerLen {
		return nil, fmt.Errorf("%w: truncated (%d bytes)", ErrCorrupt, len(payload))
	}
	split := len(payload) - trailerLen
	want := binary.LittleEndian.Uint32(payload[split:])
	if got := crc32.ChecksumIEEE(payload[:split]); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch (stored %08x, computed %08x)", ErrCorrupt, want, got)
	}
	if v := binary.LittleEndian.Uint32(payload[len(magic):headerLen]); v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, v)
	}

	c := &Checkpoint{}
	err := walkFields(payload[headerLen:split], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldEpoch && typ == protowire.VarintType:
			return consumeInt(b, &c.TrainingState.Epoch)
		case num == fieldNNoImprove && typ == protowire.VarintType:
			return consumeInt(b, &c.TrainingState.NNoImprove)
		case num == fieldGlobalStep && typ == protowire.VarintType:
			return consumeInt(b, &c.TrainingState.GlobalStep)
		case num == fieldBestMetric && typ == protowire.Fixed64Type:
			var f float64
			n, err := consumeDouble(b, &f)
			c.TrainingState.BestMetric = Metric(f)
			return n, err
		case num == fieldLearningRate && typ == protowire.Fixed64Type:
			return consumeDouble(b, &c.TrainingState.LearningRate)
		case num == fieldWeight && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var w WeightTensor
			if err := decodeTensor(msg, &w.Name, &w.Shape, &w.Data, &w.Group); err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
			return n, nil
		case num == fieldOptimizer && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			state, err := decodeOptimizer(msg)
			if err != nil {
				return 0, err
			}
			c.OptimizerState = state
			return n, nil
		case num == fieldScheduler && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			state, err := decodeScheduler(msg)
			if err != nil {
				return 0, err
			}
			c.SchedulerState = state
			return n, nil
		case num == fieldMetadata && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if err := decodeMetadata(msg, &c.Metadata); err != nil {
				return 0, err
			}
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func encodeTensor(name string, shape []int, data []float64, tag string) []byte {
	var msg []byte
	msg = appendString(msg, tensorName, name)

	var packedShape []byte
	for _, d := range shape {
		packedShape = protowire.AppendVarint(packedShape, uint64(d))
	}
	msg = protowire.AppendTag(msg, tensorShape, protowire.BytesType)
	msg = protowire.AppendBytes(msg, packedShape)

	packedData := make([]byte, 0, 8*len(data))
	for _, v := range data {
		packedData = protowire.AppendFixed64(packedData, math.Float64bits(v))
	}
	msg = protowire.AppendTag(msg, tensorData, protowire.BytesType)
	msg = protowire.AppendBytes(msg, packedData)

	return appendString(msg, tensorTag, tag)
}

func decodeTensor(msg []byte, name *string, shape *[]int, data *[]float64, tag *string) error {
	return walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == tensorName && typ == protowire.BytesType:
			return consumeString(b, name)
		case num == tensorTag && typ == protowire.BytesType:
			return consumeString(b, tag)
		case num == tensorShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				*shape = append(*shape, int(v))
				packed = packed[m:]
			}
			return n, nil
		case num == tensorData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if len(packed)%8 != 0 {
				return 0, fmt.Errorf("%w: tensor data of %d bytes", ErrCorrupt, len(packed))
			}
			values := make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return m, nil
				}
				values = append(values, math.Float64frombits(v))
				packed = packed[m:]
			}
			*data = values
			return n, nil
		}
		return skip(num, typ, b)
	})
}

func encodeOptimizer(s *OptimizerState) ([]byte, error) {
	var msg []byte
	msg = appendString(msg, optimizerType, s.Type)

	params, err := structpb.NewStruct(s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("optimizer parameters: %w", err)
	}
	encoded, err := proto.MarshalOptions{Deterministic: true}.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("optimizer parameters: %w", err)
	}
	msg = protowire.AppendTag(msg, optimizerParams, protowire.BytesType)
	msg = protowire.AppendBytes(msg, encoded)

	for _, t := range s.StateData {
		msg = protowire.AppendTag(msg, optimizerTensor, protowire.BytesType)
		msg = protowire.AppendBytes(msg, encodeTensor(t.Name, t.Shape, t.Data, t.StateType))
	}
	return msg, nil
}

func decodeOptimizer(msg []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]interface{}{}}
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == optimizerType && typ == protowire.BytesType:
			return consumeString(b, &s.Type)
		case num == optimizerParams && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var params structpb.Struct
			if err := proto.Unmarshal(raw, &params); err != nil {
				return 0, fmt.Errorf("%w: optimizer parameters: %v", ErrCorrupt, err)
			}
			s.Parameters = params.AsMap()
			return n, nil
		case num == optimizerTensor && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var t OptimizerTensor
			if err := decodeTensor(raw, &t.Name, &t.Shape, &t.Data, &t.StateType); err != nil {
				return 0, err
			}
			s.StateData = append(s.StateData, t)
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeScheduler(msg []byte) (*SchedulerState, error) {
	s := &SchedulerState{}
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == schedulerBest && typ == protowire.Fixed64Type:
			var f float64
			n, err := consumeDouble(b, &f)
			s.Best = Metric(f)
			return n, err
		case num == schedulerNumBad && typ == protowire.VarintType:
			return consumeInt(b, &s.NumBadEpochs)
		case num == schedulerLastEpoch && typ == protowire.VarintType:
			return consumeInt(b, &s.LastEpoch)
		case num == schedulerCooldown && typ == protowire.VarintType:
			return consumeInt(b, &s.CooldownCounter)
		case num == schedulerInitialized && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Initialized = protowire.DecodeBool(v)
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeMetadata(msg []byte, m *CheckpointMetadata) error {
	return walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == metaVersion && typ == protowire.BytesType:
			return consumeString(b, &m.Version)
		case num == metaFramework && typ == protowire.BytesType:
			return consumeString(b, &m.Framework)
		case num == metaRunID && typ == protowire.BytesType:
			return consumeString(b, &m.RunID)
		case num == metaDescription && typ == protowire.BytesType:
			return consumeString(b, &m.Description)
		case num == metaTag && typ == protowire.BytesType:
			var tag string
			n, err := consumeString(b, &tag)
			m.Tags = append(m.Tags, tag)
			return n, err
		case num == metaCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.CreatedAt = time.Unix(0, int64(v)).UTC()
			return n, nil
		}
		return skip(num, typ, b)
	})
}

// walkFields calls visit for every field of msg. visit returns the number of
// bytes consumed after the tag; a negative count is a protowire parse error.
func walkFields(msg []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		msg = msg[n:]
		m, err := visit(num, typ, msg)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(m))
		}
		msg = msg[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func consumeInt(b []byte, dst *int) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	*dst = int(int64(v))
	return n, nil
}

func consumeDouble(b []byte, dst *float64) (int, error) {
	v, n := protowire.ConsumeFixed64(b)
	*dst = math.Float64frombits(v)
	return n, nil
}

func consumeString(b []byte, dst *string) (int, error) {
	s, n := protowire.ConsumeString(b)
	*dst = s
	return n, nil
}
