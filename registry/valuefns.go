package registry

import (
	"fmt"

	"driftpursuit/replication/ecs"
	"driftpursuit/replication/wire"
)

// BoolFns builds a function table for components stored as bool values.
func BoolFns(component ecs.ComponentID) ComponentFns {
	return ComponentFns{
		Component: component,
		Serialize: func(_ *SerializeCtx, value any, w *wire.Writer) error {
			flag, ok := value.(bool)
			if !ok {
				return fmt.Errorf("component %d: expected bool, got %T", component, value)
			}
			if flag {
				w.WriteUint8(1)
			} else {
				w.WriteUint8(0)
			}
			return nil
		},
		Deserialize: func(_ *WriteCtx, r *wire.Reader) (any, error) {
			raw, err := r.ReadUint8()
			if err != nil {
				return nil, err
			}
			return raw != 0, nil
		},
	}
}

// Uint64Fns builds a function table for components stored as uint64 values.
func Uint64Fns(component ecs.ComponentID) ComponentFns {
	return ComponentFns{
		Component: component,
		Serialize: func(_ *SerializeCtx, value any, w *wire.Writer) error {
			v, ok := value.(uint64)
			if !ok {
				return fmt.Errorf("component %d: expected uint64, got %T", component, value)
			}
			w.WriteUvarint(v)
			return nil
		},
		Deserialize: func(_ *WriteCtx, r *wire.Reader) (any, error) {
			return r.ReadUvarint()
		},
	}
}

// BytesFns builds a function table for components stored as raw byte slices.
func BytesFns(component ecs.ComponentID) ComponentFns {
	return ComponentFns{
		Component: component,
		Serialize: func(_ *SerializeCtx, value any, w *wire.Writer) error {
			p, ok := value.([]byte)
			if !ok {
				return fmt.Errorf("component %d: expected []byte, got %T", component, value)
			}
			w.WriteBytes(p)
			return nil
		},
		Deserialize: func(_ *WriteCtx, r *wire.Reader) (any, error) {
			p, err := r.ReadBytes()
			if err != nil {
				return nil, err
			}
			return append([]byte(nil), p...), nil
		},
	}
}

// EntityFns builds a function table for components holding one entity
// reference; deserialization remaps it through the server entity map.
func EntityFns(component ecs.ComponentID) ComponentFns {
	return ComponentFns{
		Component: component,
		Serialize: func(_ *SerializeCtx, value any, w *wire.Writer) error {
			entity, ok := value.(ecs.Entity)
			if !ok {
				return fmt.Errorf("component %d: expected entity, got %T", component, value)
			}
			w.WriteEntity(entity)
			return nil
		},
		Deserialize: func(ctx *WriteCtx, r *wire.Reader) (any, error) {
			server, err := r.ReadEntity()
			if err != nil {
				return nil, err
			}
			if ctx == nil || ctx.Mapper == nil {
				return server, nil
			}
			mapped, err := ctx.Mapper.MapEntity(server)
			if err != nil {
				return nil, err
			}
			return mapped, nil
		},
	}
}

// MarkerFns builds a function table for zero-sized marker components.
func MarkerFns(component ecs.ComponentID) ComponentFns {
	return ComponentFns{
		Component: component,
		Serialize: func(_ *SerializeCtx, _ any, _ *wire.Writer) error { return nil },
		Deserialize: func(_ *WriteCtx, _ *wire.Reader) (any, error) {
			return struct{}{}, nil
		},
	}
}
