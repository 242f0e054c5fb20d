package proc

import "rvsmp/vm"

// Loader installs a program's segments into a freshly built address
// space without this package knowing or caring what on-disk format the
// program came from (ELF, a flat binary, anything). Exec only needs the
// resulting entry point back.
type Loader interface {
	Load(ms *vm.MemorySet_t) (entry uint64, err error)
}

// FlatLoader is the simplest possible Loader: it maps Data as one
// R+W+X page-aligned region starting at Base and reports Base as the
// entry point. It stands in for a real ELF loader in tests and in the
// cmd/kernel boot simulator.
type FlatLoader struct {
	Base uint64
	Data []byte
}

// Load implements Loader.
func (l FlatLoader) Load(ms *vm.MemorySet_t) (uint64, error) {
	if len(l.Data) == 0 {
		return l.Base, nil
	}
	end := l.Base + uint64(len(l.Data))
	if err := ms.InsertFramedArea(l.Base, end, vm.PteR|vm.PteW|vm.PteX); err != nil {
		return 0, err
	}
	ub := vm.NewUserBuffer(ms, l.Base, len(l.Data))
	if _, err := ub.Uiowrite(l.Data); err != nil {
		return 0, err
	}
	return l.Base, nil
}
