package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Kind names one of the payload schemas accepted by the gateway.
type Kind int

const (
	KindAsset Kind = iota + 1
	KindAssetData
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindAsset:
		return "asset"
	case KindAssetData:
		return "asset data"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const schemaText = `
name: "confab/data.proto"
package: "confab.data"
syntax: "proto2"
message_type {
  name: "Asset"
  field { name: "key" number: 1 label: LABEL_REQUIRED type: TYPE_FIXED64 }
  field { name: "name" number: 2 label: LABEL_OPTIONAL type: TYPE_STRING }
  field { name: "type" number: 3 label: LABEL_REQUIRED type: TYPE_UINT32 }
  field { name: "size" number: 4 label: LABEL_OPTIONAL type: TYPE_UINT64 }
  field { name: "chunks" number: 5 label: LABEL_OPTIONAL type: TYPE_UINT32 }
  field { name: "inline_data" number: 6 label: LABEL_OPTIONAL type: TYPE_BYTES }
}
message_type {
  name: "AssetData"
  field { name: "key" number: 1 label: LABEL_REQUIRED type: TYPE_FIXED64 }
  field { name: "chunk" number: 2 label: LABEL_REQUIRED type: TYPE_UINT64 }
  field { name: "data" number: 3 label: LABEL_REQUIRED type: TYPE_BYTES }
}
message_type {
  name: "ListItem"
  field { name: "token" number: 1 label: LABEL_REQUIRED type: TYPE_FIXED64 }
  field { name: "value" number: 2 label: LABEL_REQUIRED type: TYPE_FIXED64 }
}
message_type {
  name: "List"
  field { name: "key" number: 1 label: LABEL_REQUIRED type: TYPE_FIXED64 }
  field { name: "name" number: 2 label: LABEL_OPTIONAL type: TYPE_STRING }
  field { name: "items" number: 3 label: LABEL_REPEATED type: TYPE_MESSAGE type_name: ".confab.data.ListItem" }
}
`

var (
	assetDesc     protoreflect.MessageDescriptor
	assetDataDesc protoreflect.MessageDescriptor
	listDesc      protoreflect.MessageDescriptor
	listItemDesc  protoreflect.MessageDescriptor
)

func init() {
	var fdp descriptorpb.FileDescriptorProto
	if err := prototext.Unmarshal([]byte(schemaText), &fdp); err != nil {
		panic(fmt.Sprintf("codec: parse schema: %v", err))
	}
	fd, err := protodesc.NewFile(&fdp, new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("codec: build schema: %v", err))
	}
	msgs := fd.Messages()
	assetDesc = msgs.ByName("Asset")
	assetDataDesc = msgs.ByName("AssetData")
	listDesc = msgs.ByName("List")
	listItemDesc = msgs.ByName("ListItem")
}

func descriptorFor(kind Kind) protoreflect.MessageDescriptor {
	switch kind {
	case KindAsset:
		return assetDesc
	case KindAssetData:
		return assetDataDesc
	case KindList:
		return listDesc
	}
	return nil
}

var errUnknownFields = errors.New("unknown fields")

// Verify checks that b is a well formed instance of the schema kind: it
// must parse, carry every required field and contain no fields outside the
// schema. Failure is reported as an error wrapping ErrVerificationFailure.
func Verify(b []byte, kind Kind) error {
	_, err := parse(b, kind)
	return err
}

func parse(b []byte, kind Kind) (*dynamicpb.Message, error) {
	md := descriptorFor(kind)
	if md == nil {
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailure, kind)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty %s payload", ErrVerificationFailure, kind)
	}
	m := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrVerificationFailure, kind, err)
	}
	if err := rejectUnknown(m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrVerificationFailure, kind, err)
	}
	return m, nil
}

func rejectUnknown(m protoreflect.Message) error {
	if len(m.GetUnknown()) > 0 {
		return errUnknownFields
	}
	var err error
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind {
			return true
		}
		if fd.IsList() {
			l := v.List()
			for i := 0; i < l.Len(); i++ {
				if err = rejectUnknown(l.Get(i).Message()); err != nil {
					return false
				}
			}
			return true
		}
		err = rejectUnknown(v.Message())
		return err == nil
	})
	return err
}

// Asset is the metadata record stored under an asset key.
type Asset struct {
	Key        uint64
	Name       string
	Type       uint32
	Size       uint64
	Chunks     uint32
	InlineData []byte
}

// AssetData is one chunk of an asset's data.
type AssetData struct {
	Key   uint64
	Chunk uint64
	Data  []byte
}

// List is an ordered collection of token to key pairs.
type List struct {
	Key   uint64
	Name  string
	Items []Pair
}

var marshalOpts = proto.MarshalOptions{Deterministic: true}

func field(md protoreflect.MessageDescriptor, name protoreflect.Name) protoreflect.FieldDescriptor {
	return md.Fields().ByName(name)
}

func MarshalAsset(a Asset) ([]byte, error) {
	m := dynamicpb.NewMessage(assetDesc)
	m.Set(field(assetDesc, "key"), protoreflect.ValueOfUint64(a.Key))
	m.Set(field(assetDesc, "type"), protoreflect.ValueOfUint32(a.Type))
	if a.Name != "" {
		m.Set(field(assetDesc, "name"), protoreflect.ValueOfString(a.Name))
	}
	if a.Size != 0 {
		m.Set(field(assetDesc, "size"), protoreflect.ValueOfUint64(a.Size))
	}
	if a.Chunks != 0 {
		m.Set(field(assetDesc, "chunks"), protoreflect.ValueOfUint32(a.Chunks))
	}
	if len(a.InlineData) > 0 {
		m.Set(field(assetDesc, "inline_data"), protoreflect.ValueOfBytes(a.InlineData))
	}
	return marshalOpts.Marshal(m)
}

func ReadAsset(b []byte) (Asset, error) {
	m, err := parse(b, KindAsset)
	if err != nil {
		return Asset{}, err
	}
	return Asset{
		Key:        m.Get(field(assetDesc, "key")).Uint(),
		Name:       m.Get(field(assetDesc, "name")).String(),
		Type:       uint32(m.Get(field(assetDesc, "type")).Uint()),
		Size:       m.Get(field(assetDesc, "size")).Uint(),
		Chunks:     uint32(m.Get(field(assetDesc, "chunks")).Uint()),
		InlineData: m.Get(field(assetDesc, "inline_data")).Bytes(),
	}, nil
}

func MarshalAssetData(d AssetData) ([]byte, error) {
	data := d.Data
	if data == nil {
		data = []byte{}
	}
	m := dynamicpb.NewMessage(assetDataDesc)
	m.Set(field(assetDataDesc, "key"), protoreflect.ValueOfUint64(d.Key))
	m.Set(field(assetDataDesc, "chunk"), protoreflect.ValueOfUint64(d.Chunk))
	m.Set(field(assetDataDesc, "data"), protoreflect.ValueOfBytes(data))
	return marshalOpts.Marshal(m)
}

func MarshalList(l List) ([]byte, error) {
	m := dynamicpb.NewMessage(listDesc)
	m.Set(field(listDesc, "key"), protoreflect.ValueOfUint64(l.Key))
	if l.Name != "" {
		m.Set(field(listDesc, "name"), protoreflect.ValueOfString(l.Name))
	}
	if len(l.Items) > 0 {
		items := m.Mutable(field(listDesc, "items")).List()
		for _, p := range l.Items {
			it := dynamicpb.NewMessage(listItemDesc)
			it.Set(field(listItemDesc, "token"), protoreflect.ValueOfUint64(p.Token))
			it.Set(field(listItemDesc, "value"), protoreflect.ValueOfUint64(p.Value))
			items.Append(protoreflect.ValueOfMessage(it))
		}
	}
	return marshalOpts.Marshal(m)
}

func ReadList(b []byte) (List, error) {
	m, err := parse(b, KindList)
	if err != nil {
		return List{}, err
	}
	l := List{
		Key:  m.Get(field(listDesc, "key")).Uint(),
		Name: m.Get(field(listDesc, "name")).String(),
	}
	items := m.Get(field(listDesc, "items")).List()
	tokenFD, valueFD := field(listItemDesc, "token"), field(listItemDesc, "value")
	for i := 0; i < items.Len(); i++ {
		it := items.Get(i).Message()
		l.Items = append(l.Items, Pair{Token: it.Get(tokenFD).Uint(), Value: it.Get(valueFD).Uint()})
	}
	return l, nil
}
