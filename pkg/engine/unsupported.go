package engine

// Unsupported is an embeddable base returning ErrUnsupported from
// every enumeration and control method, so partial backends only
// implement what their target actually offers.
type Unsupported struct{}

func (Unsupported) SystemParameters() (map[string]any, error)  { return nil, ErrUnsupported }
func (Unsupported) SessionAttributes() (map[string]any, error) { return nil, ErrUnsupported }
func (Unsupported) Sessions() ([]Session, error)               { return nil, ErrUnsupported }
func (Unsupported) Processes() ([]Process, error)              { return nil, ErrUnsupported }
func (Unsupported) AvailableProcesses() ([]Process, error)     { return nil, ErrUnsupported }
func (Unsupported) Applications() ([]Application, error)       { return nil, ErrUnsupported }
func (Unsupported) Regions(pid int) ([]Region, error)          { return nil, ErrUnsupported }
func (Unsupported) KernelRegions() ([]Region, error)           { return nil, ErrUnsupported }
func (Unsupported) HeapRanges(pid int) ([]HeapRange, error)    { return nil, ErrUnsupported }
func (Unsupported) Modules(pid int) ([]Module, error)          { return nil, ErrUnsupported }
func (Unsupported) KernelModules() ([]Module, error)           { return nil, ErrUnsupported }

func (Unsupported) Sections(pid int, modAddr string) ([]Region, error) {
	return nil, ErrUnsupported
}

func (Unsupported) Imports(pid int, modAddr string) ([]Import, error) {
	return nil, ErrUnsupported
}

func (Unsupported) Exports(pid int, modAddr string) ([]Export, error) {
	return nil, ErrUnsupported
}

func (Unsupported) Symbols(pid int, modAddr string) ([]Symbol, error) {
	return nil, ErrUnsupported
}

func (Unsupported) Dependencies(pid int, modAddr string) ([]Dependency, error) {
	return nil, ErrUnsupported
}

func (Unsupported) Threads(pid int) ([]Thread, error)          { return nil, ErrUnsupported }
func (Unsupported) Frames(pid, tid int) ([]Frame, error)       { return nil, ErrUnsupported }
func (Unsupported) LoadedClassesObjC(pid int) ([]Class, error) { return nil, ErrUnsupported }
func (Unsupported) LoadedClassesJava(pid int) ([]Class, error) { return nil, ErrUnsupported }
func (Unsupported) ClassLoaders(pid int) ([]string, error)     { return nil, ErrUnsupported }

func (Unsupported) ReadMemory(pid int, addr uint64, length int) ([]byte, error) {
	return nil, ErrUnsupported
}

func (Unsupported) WriteMemory(pid int, addr uint64, data []byte) error {
	return ErrUnsupported
}

func (Unsupported) Attach(pid int) error                          { return ErrUnsupported }
func (Unsupported) Spawn(path string, args []string) (int, error) { return 0, ErrUnsupported }
func (Unsupported) Resume() error                                 { return ErrUnsupported }
func (Unsupported) Suspend() error                                { return ErrUnsupported }
func (Unsupported) Kill() error                                   { return ErrUnsupported }
