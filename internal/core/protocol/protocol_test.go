package protocol

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

func TestPacket(t *testing.T) {
	t.Run("round trip of the reference packet", func(t *testing.T) {
		p := NewPacket(7, 42, PriorityHigh, []byte{0xDE, 0xAD, 0xBE, 0xEF})
		data := p.Marshal()
		assert.Equal(t, []byte{0x00, 0x07, 0x00, 0x2A, 0x02, 0x00, 0x00, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, data)

		got, err := Parse(data)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	})

	t.Run("random packets survive serialization", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 200; i++ {
			payload := make([]byte, rng.Intn(64))
			rng.Read(payload)
			p := NewPacket(uint16(rng.Intn(1<<16)), uint16(rng.Intn(1<<16)), Priority(rng.Intn(5)), payload)

			got, err := Parse(p.Marshal())
			require.NoError(t, err)
			assert.True(t, p.Equal(got), "%s != %s", p, got)
		}
	})

	t.Run("short header", func(t *testing.T) {
		_, err := Parse([]byte{0, 1, 0, 2, 1, 0, 0, 0})
		assert.True(t, failure.Is(err, failure.KindInvalidInput))
	})

	t.Run("declared length beyond the input", func(t *testing.T) {
		data := NewPacket(1, 1, PriorityLow, []byte{1, 2, 3}).Marshal()
		_, err := Parse(data[:len(data)-1])
		assert.True(t, failure.Is(err, failure.KindInvalidInput))
	})

	t.Run("unknown priority", func(t *testing.T) {
		data := NewPacket(1, 1, PriorityLow, nil).Marshal()
		data[4] = 5
		_, err := Parse(data)
		assert.True(t, failure.Is(err, failure.KindInvalidInput))

		_, err = ParsePriority(9)
		assert.Error(t, err)
		p, err := ParsePriority(4)
		require.NoError(t, err)
		assert.Equal(t, PriorityBlocker, p)
	})

	t.Run("empty payload", func(t *testing.T) {
		got, err := Parse(NewPacket(3, 4, PriorityCritical, nil).Marshal())
		require.NoError(t, err)
		assert.Empty(t, got.Payload)
		assert.Equal(t, HeaderSize, got.Size())
	})
}

func TestFrame(t *testing.T) {
	p1 := NewPacket(2, 1, PriorityLow, []byte{1})
	p2 := NewPacket(2, 2, PriorityCritical, []byte{2, 2})

	frame := EncodeFrame(p1, p2)
	assert.Equal(t, FrameOverhead+FramedSize(p1)+FramedSize(p2), len(frame))
	assert.Equal(t, []byte{0, 0, 0, 2}, frame[:4])
	assert.Equal(t, []byte{0, 0, 0, byte(p1.Size())}, frame[4:8])

	packets, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.True(t, p1.Equal(packets[0]))
	assert.True(t, p2.Equal(packets[1]))

	t.Run("empty frame", func(t *testing.T) {
		packets, err := DecodeFrame(EncodeFrame())
		require.NoError(t, err)
		assert.Empty(t, packets)
	})

	t.Run("malformed frames", func(t *testing.T) {
		cases := map[string][]byte{
			"no count":        {0, 0},
			"count too large": {0, 0, 0, 9, 0, 0, 0, 1},
			"truncated":       frame[:len(frame)-1],
			"trailing bytes":  append(append([]byte{}, frame...), 0),
		}
		for name, data := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := DecodeFrame(data)
				assert.True(t, failure.Is(err, failure.KindInvalidInput))
			})
		}
	})

	t.Run("builder reuse", func(t *testing.T) {
		b := NewFrameBuilder(0)
		b.Add(p1)
		assert.Equal(t, 1, b.Count())
		b.Reset()
		b.Add(p2)
		packets, err := DecodeFrame(b.Bytes())
		require.NoError(t, err)
		require.Len(t, packets, 1)
		assert.True(t, p2.Equal(packets[0]))
	})
}

func TestChannelRegistry(t *testing.T) {
	t.Run("registration rules", func(t *testing.T) {
		r := NewChannelRegistry(log.NewNop())

		_, err := r.RegisterSystem("foo", 0)
		assert.True(t, failure.Is(err, failure.KindInvalidInput))

		foo, err := r.RegisterSystem("foo", 500)
		require.NoError(t, err)
		assert.Equal(t, OwnerSystem, foo.Owner)

		_, err = r.RegisterSystem("foo", 501)
		assert.True(t, failure.Is(err, failure.KindAlreadyExists))

		_, err = r.RegisterSystem("bar", 500)
		assert.True(t, failure.Is(err, failure.KindAlreadyExists))

		baz, err := r.RegisterPlugin("baz")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, baz.ID, PluginChannelMin)
		assert.Equal(t, OwnerPlugin, baz.Owner)

		_, err = r.RegisterSystem("high", 1000)
		assert.True(t, failure.Is(err, failure.KindInvalidInput))
		_, err = r.RegisterPlugin("foo")
		assert.True(t, failure.Is(err, failure.KindAlreadyExists))
		_, err = r.RegisterPlugin("")
		assert.True(t, failure.Is(err, failure.KindInvalidInput))
	})

	t.Run("plugin ids are monotonic and never reused", func(t *testing.T) {
		r := NewChannelRegistry(log.NewNop())
		a, _ := r.RegisterPlugin("a")
		b, _ := r.RegisterPlugin("b")
		assert.Equal(t, a.ID+1, b.ID)

		_, err := r.Unregister(b.ID)
		require.NoError(t, err)
		c, _ := r.RegisterPlugin("c")
		assert.Equal(t, b.ID+1, c.ID)
	})

	t.Run("names are normalized", func(t *testing.T) {
		r := NewChannelRegistry(log.NewNop())
		_, err := r.RegisterSystem("caf\u00e9", 10)
		require.NoError(t, err)
		_, err = r.RegisterSystem("cafe\u0301", 11)
		assert.True(t, failure.Is(err, failure.KindAlreadyExists))

		id, ok := r.ID("cafe\u0301")
		require.True(t, ok)
		assert.Equal(t, uint16(10), id)
	})

	t.Run("lookup, list, manifest and watchers", func(t *testing.T) {
		r := NewChannelRegistry(log.NewNop())
		var changes []ChannelChange
		stop := r.Watch(func(c ChannelChange) { changes = append(changes, c) })

		ui, _ := r.RegisterSystem("ui", 2)
		_, _ = r.RegisterPlugin("chat")

		ch, ok := r.Lookup(ControlChannel)
		require.True(t, ok)
		assert.Equal(t, ControlChannelName, ch.Name)

		list := r.List()
		require.Len(t, list, 3)
		assert.Equal(t, []uint16{0, 2, 1000}, []uint16{list[0].ID, list[1].ID, list[2].ID})

		m := r.Manifest()
		assert.Equal(t, map[string]uint16{"control": 0, "ui": 2, "chat": 1000}, m.Channels)

		_, err := r.Unregister(ui.ID)
		require.NoError(t, err)
		assert.False(t, r.IsRegistered(ui.ID))
		_, err = r.Unregister(ui.ID)
		assert.True(t, failure.Is(err, failure.KindNotFound))
		_, err = r.Unregister(ControlChannel)
		assert.True(t, failure.Is(err, failure.KindInvalidInput))

		stop()
		_, _ = r.RegisterSystem("late", 3)

		require.Len(t, changes, 3)
		assert.Equal(t, ChannelAdded, changes[0].Kind)
		assert.Equal(t, ChannelRemoved, changes[2].Kind)
		assert.Equal(t, "ui", changes[2].Channel.Name)
	})
}

func TestControlMessages(t *testing.T) {
	t.Run("register system", func(t *testing.T) {
		p := RegisterSystemPacket(12, "physics")
		assert.Equal(t, ControlChannel, p.Channel)
		assert.Equal(t, uint16(ControlRegisterSystem), p.Type)
		assert.Equal(t, []byte{0, 12, 0, 7, 'p', 'h', 'y', 's', 'i', 'c', 's'}, p.Payload)

		id, name, err := DecodeRegisterSystem(p.Payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(12), id)
		assert.Equal(t, "physics", name)

		_, _, err = DecodeRegisterSystem([]byte{0, 12, 0, 9, 'x'})
		assert.True(t, failure.Is(err, failure.KindDeserialization))
	})

	t.Run("names", func(t *testing.T) {
		name, err := DecodeName(ControlRegisterPlugin, RegisterPluginPacket("chat").Payload)
		require.NoError(t, err)
		assert.Equal(t, "chat", name)

		name, err = DecodeName(ControlQueryChannel, QueryChannelPacket("ui").Payload)
		require.NoError(t, err)
		assert.Equal(t, "ui", name)
	})

	t.Run("register response", func(t *testing.T) {
		ok := RegisterResponse{OK: true, ID: 1001}.Packet()
		assert.Equal(t, []byte{1, 0x03, 0xE9}, ok.Payload)
		got, err := DecodeRegisterResponse(ok.Payload)
		require.NoError(t, err)
		assert.Equal(t, RegisterResponse{OK: true, ID: 1001}, got)

		bad := RegisterResponse{Error: "taken"}.Packet()
		got, err = DecodeRegisterResponse(bad.Payload)
		require.NoError(t, err)
		assert.Equal(t, RegisterResponse{Error: "taken"}, got)
	})

	t.Run("query response", func(t *testing.T) {
		found := QueryResponse{Found: true, ID: 5, Name: "ui"}
		got, err := DecodeQueryResponse(found.Packet().Payload)
		require.NoError(t, err)
		assert.Equal(t, found, got)

		got, err = DecodeQueryResponse(QueryResponse{}.Packet().Payload)
		require.NoError(t, err)
		assert.False(t, got.Found)
	})

	t.Run("list response", func(t *testing.T) {
		channels := []Channel{
			{ID: 0, Name: "control", Owner: OwnerCore},
			{ID: 4, Name: "ui", Owner: OwnerSystem},
			{ID: 1000, Name: "chat", Owner: OwnerPlugin},
		}
		got, err := DecodeListResponse(ListResponsePacket(channels).Payload)
		require.NoError(t, err)
		assert.Equal(t, channels, got)

		_, err = DecodeListResponse([]byte{0, 200, 0})
		assert.True(t, failure.Is(err, failure.KindDeserialization))
	})

	t.Run("channel registered and unregistered", func(t *testing.T) {
		ch := Channel{ID: 1002, Name: "voice", Owner: OwnerPlugin}
		got, err := DecodeChannelRegistered(ChannelRegisteredPacket(ch).Payload)
		require.NoError(t, err)
		assert.Equal(t, ch, got)

		id, err := DecodeChannelUnregistered(ChannelUnregisteredPacket(1002).Payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(1002), id)
	})

	t.Run("manifest", func(t *testing.T) {
		m := Manifest{Channels: map[string]uint16{"control": 0, "ui": 2}}
		p := m.Packet()
		assert.Equal(t, uint16(ControlChannelManifest), p.Type)
		assert.JSONEq(t, `{"type":"channel_manifest","channels":{"control":0,"ui":2}}`, string(p.Payload))

		got, err := DecodeManifest(p.Payload)
		require.NoError(t, err)
		assert.Equal(t, m, got)
		name, ok := got.Name(2)
		assert.True(t, ok)
		assert.Equal(t, "ui", name)

		_, err = DecodeManifest([]byte(`{"type":"channel_manifest","channels":{"a":1,"b":1}}`))
		assert.True(t, failure.IsFatal(err))
		_, err = DecodeManifest([]byte(`{"type":"other"}`))
		assert.True(t, failure.IsFatal(err))
		_, err = DecodeManifest([]byte(`{`))
		assert.True(t, failure.IsFatal(err))
	})

	t.Run("types", func(t *testing.T) {
		assert.True(t, ControlError.Valid())
		assert.False(t, ControlType(12).Valid())
		assert.Equal(t, "channel_manifest", ControlChannelManifest.String())
		assert.Equal(t, []byte("boom"), ErrorPacket("boom").Payload)
	})
}
