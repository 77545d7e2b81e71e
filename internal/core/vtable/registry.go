package vtable

import (
	"context"

	"github.com/zeusync/ecsnet/pkg/encoding"
)

// RegistryCapability exposes table introspection to other modules.
const RegistryCapability = "vtable.registry"

// ServeRegistry binds the table's own introspection capability.
//
//	has_capability: payload = name bytes, reply = u8 found
//	capabilities:   reply = u16 count, count x (u16 len, name)
func (t *Table) ServeRegistry(ctx context.Context) *Endpoint {
	mux := NewMux(RegistryCapability).
		Handle("has_capability", func(_ context.Context, payload []byte) ([]byte, error) {
			return encoding.NewWriter(1).Bool(t.HasCapability(string(payload))).Bytes(), nil
		}).
		Handle("capabilities", func(_ context.Context, _ []byte) ([]byte, error) {
			names := t.Capabilities()
			w := encoding.NewWriter(2 + 16*len(names)).U16(uint16(len(names)))
			for _, name := range names {
				w.String16(name)
			}
			return w.Bytes(), nil
		})
	return t.Bind(ctx, RegistryCapability, mux.HandlerFunc())
}

// DecodeCapabilities parses the reply of the "capabilities" operation.
func DecodeCapabilities(payload []byte) ([]string, error) {
	r := encoding.NewReader(payload)
	n := int(r.U16())
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, r.String16())
	}
	return names, r.Err()
}
