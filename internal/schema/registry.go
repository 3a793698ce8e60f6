package schema

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"
)

// HandlerMeta describes one servable RPC method.
type HandlerMeta struct {
	ServiceFQN   string
	Method       string
	Desc         protoreflect.MethodDescriptor
	Input        protoreflect.MessageDescriptor
	Output       protoreflect.MessageDescriptor
	ClientStream bool
	ServerStream bool
	// RuleKey is lower-cased "package.service.method", the index into the
	// rule store.
	RuleKey string
}

// Registry is the immutable-per-reload descriptor graph produced by Load.
// Messages can reference each other cyclically; the registry owns the
// storage and everything else holds non-owning descriptor references.
type Registry struct {
	files    []protoreflect.FileDescriptor
	messages map[string]protoreflect.MessageDescriptor
	enums    map[string]protoreflect.EnumDescriptor
	methods  map[string]*HandlerMeta // by rule key
	services map[string][]*HandlerMeta
	types    *protoregistry.Types
}

func newRegistry() *Registry {
	return &Registry{
		messages: make(map[string]protoreflect.MessageDescriptor),
		enums:    make(map[string]protoreflect.EnumDescriptor),
		methods:  make(map[string]*HandlerMeta),
		services: make(map[string][]*HandlerMeta),
		types:    &protoregistry.Types{},
	}
}

func (r *Registry) addFile(fd protoreflect.FileDescriptor) {
	r.files = append(r.files, fd)
	registerMessages(r, fd.Messages())
	enums := fd.Enums()
	for i := 0; i < enums.Len(); i++ {
		ed := enums.Get(i)
		r.enums[string(ed.FullName())] = ed
	}
	svcs := fd.Services()
	for i := 0; i < svcs.Len(); i++ {
		sd := svcs.Get(i)
		methods := sd.Methods()
		for j := 0; j < methods.Len(); j++ {
			md := methods.Get(j)
			meta := &HandlerMeta{
				ServiceFQN:   string(sd.FullName()),
				Method:       string(md.Name()),
				Desc:         md,
				Input:        md.Input(),
				Output:       md.Output(),
				ClientStream: md.IsStreamingClient(),
				ServerStream: md.IsStreamingServer(),
				RuleKey:      RuleKey(string(sd.FullName()), string(md.Name())),
			}
			r.methods[meta.RuleKey] = meta
			r.services[meta.ServiceFQN] = append(r.services[meta.ServiceFQN], meta)
		}
	}
}

func registerMessages(r *Registry, msgs protoreflect.MessageDescriptors) {
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		r.messages[string(md.FullName())] = md
		// Any resolution needs every message type registered.
		r.types.RegisterMessage(dynamicpb.NewMessageType(md))
		registerMessages(r, md.Messages())
		enums := md.Enums()
		for j := 0; j < enums.Len(); j++ {
			ed := enums.Get(j)
			r.enums[string(ed.FullName())] = ed
		}
	}
}

// RuleKey joins a service FQN and method name into the lower-cased rule
// store index. Lower-casing happens here and in the rule store filename
// parser, nowhere else.
func RuleKey(serviceFQN, method string) string {
	return strings.ToLower(serviceFQN + "." + method)
}

// Method resolves a method by service FQN and method name.
func (r *Registry) Method(serviceFQN, method string) (*HandlerMeta, bool) {
	m, ok := r.methods[RuleKey(serviceFQN, method)]
	return m, ok
}

// MethodByFullName resolves "pkg.Service.Method" (gRPC wire form with the
// slash replaced) case-insensitively.
func (r *Registry) MethodByFullName(full string) (*HandlerMeta, bool) {
	m, ok := r.methods[strings.ToLower(full)]
	return m, ok
}

// Message returns the descriptor for a fully qualified message name.
func (r *Registry) Message(fqn string) (protoreflect.MessageDescriptor, bool) {
	md, ok := r.messages[fqn]
	return md, ok
}

// Enum returns the descriptor for a fully qualified enum name.
func (r *Registry) Enum(fqn string) (protoreflect.EnumDescriptor, bool) {
	ed, ok := r.enums[fqn]
	return ed, ok
}

// Messages returns all message FQNs in sorted order.
func (r *Registry) Messages() []string {
	out := make([]string, 0, len(r.messages))
	for k := range r.messages {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MessageDescriptors returns every registered message descriptor.
func (r *Registry) MessageDescriptors() []protoreflect.MessageDescriptor {
	out := make([]protoreflect.MessageDescriptor, 0, len(r.messages))
	for _, name := range r.Messages() {
		out = append(out, r.messages[name])
	}
	return out
}

// Services returns service FQN → methods, with deterministic ordering.
func (r *Registry) Services() map[string][]*HandlerMeta {
	return r.services
}

// ServiceNames returns the sorted list of service FQNs.
func (r *Registry) ServiceNames() []string {
	out := make([]string, 0, len(r.services))
	for k := range r.services {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Methods returns every HandlerMeta keyed by rule key.
func (r *Registry) Methods() map[string]*HandlerMeta {
	return r.methods
}

// Types returns the type registry used for protojson Any resolution.
func (r *Registry) Types() *protoregistry.Types {
	return r.types
}

// Empty reports whether the registry holds no services. An empty registry
// is valid; the server runs but serves no RPCs.
func (r *Registry) Empty() bool {
	return len(r.services) == 0
}

func (r *Registry) String() string {
	return fmt.Sprintf("registry(%d files, %d messages, %d methods)", len(r.files), len(r.messages), len(r.methods))
}
