// Package model holds the data shapes shared across the orchestration
// pipeline: the request document a caller submits, the row shapes
// persisted in the store, and the small enumerations each stage reads
// and writes.
package model

import "time"

// Zone identifies one of the two backing clusters.
type Zone string

const (
	ZoneLinux     Zone = "linux"
	ZoneOpenStack Zone = "openstack"
)

// Valid reports whether z is one of the two known zones.
func (z Zone) Valid() bool {
	return z == ZoneLinux || z == ZoneOpenStack
}

// InternetVLAN returns the well-known zone-wide internet VLAN id.
func (z Zone) InternetVLAN() int {
	if z == ZoneOpenStack {
		return 11
	}
	return 1
}

// VLANRange returns the inclusive [min,max] allocation pool for the zone.
func (z Zone) VLANRange() (min, max int) {
	if z == ZoneOpenStack {
		return 15, 900
	}
	return 5, 900
}

// LifecycleKind is the slice's position in the create/deploy/delete pipeline.
type LifecycleKind string

const (
	KindValidated   LifecycleKind = "validated"
	KindVLANsMapped LifecycleKind = "vlans_mapped"
	KindDeployed    LifecycleKind = "deployed"
	KindError       LifecycleKind = "error"
	KindDeleted     LifecycleKind = "deleted"
)

// RuntimeState is the derived running/paused/off state of a slice or VM.
type RuntimeState string

const (
	StateCorriendo RuntimeState = "corriendo"
	StatePausado   RuntimeState = "pausado"
	StateApagado   RuntimeState = "apagado"
	StateEliminado RuntimeState = "eliminado"
	StateNone      RuntimeState = ""
)

// VMState is the state of an individual materialized VM.
type VMState string

const (
	VMCorriendo VMState = "Corriendo"
	VMPausado   VMState = "Pausado"
	VMApagado   VMState = "Apagado"
)

// TopologyKind names one of the four canonical topology shapes.
type TopologyKind string

const (
	Topology1VM   TopologyKind = "1vm"
	TopologyLine  TopologyKind = "lineal"
	TopologyRing  TopologyKind = "anillo"
	TopologyTree  TopologyKind = "arbol"
)

// VMSize is the request-time sizing of a VM.
type VMSize struct {
	Nombre          string `json:"nombre"`
	Cores           string `json:"cores"`
	RAM             string `json:"ram"`
	Almacenamiento  string `json:"almacenamiento"`
	Image           string `json:"image"`
	Internet        string `json:"internet"`
	PuertoVNC       string `json:"puerto_vnc"`
	ConexionesVLANs string `json:"conexiones_vlans"`
	Server          string `json:"server"`
}

// Topology is one sub-topology of the slice request.
type Topology struct {
	Nombre      TopologyKind `json:"nombre"`
	CantidadVMs string       `json:"cantidad_vms"`
	Internet    bool         `json:"internet"`
	VMs         []VMSize     `json:"vms"`
}

// SolicitudJSON is the request document's `solicitud_json` payload.
type SolicitudJSON struct {
	TotalVMs        int        `json:"total_vms"`
	ConexionesVMs   string     `json:"conexiones_vms"`
	Topologias      []Topology `json:"topologias"`
	IDSlice         int        `json:"id_slice,omitempty"`
	VLANsUsadas     string     `json:"vlans_usadas,omitempty"`
	VNCsUsadas      string     `json:"vncs_usadas,omitempty"`
}

// CreateSliceRequest is the ingress body for slice creation.
type CreateSliceRequest struct {
	NombreSlice    string        `json:"nombre_slice"`
	ZonaDespliegue Zone          `json:"zona_despliegue"`
	SolicitudJSON  SolicitudJSON `json:"solicitud_json"`
}

// Link is an unordered pair of VM names carrying one VLAN.
type Link struct {
	A, B string
}

// VM is the materialized form of a VMSize, populated progressively by the
// planner, placement engine, and driver.
type VM struct {
	Nombre          string  `json:"nombre"`
	Cores           int     `json:"cores"`
	RAMMiB          int     `json:"ram_mib"`
	DiskGiB         int     `json:"disk_gib"`
	Image           string  `json:"image"`
	Internet        bool    `json:"internet"`
	VLANs           []int   `json:"vlans"`
	Server          string  `json:"server"`
	VNC             int     `json:"vnc,omitempty"`
	Estado          VMState `json:"estado"`
}

// ClusterName is the materialized cluster-side VM identifier.
func ClusterName(sliceID int, vmName string) string {
	return "id" + itoa(sliceID) + "_" + vmName
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Slice is the persisted row of record for one user request.
type Slice struct {
	ID           int
	UserID       int
	NombreSlice  string
	Zone         Zone
	Kind         LifecycleKind
	RuntimeState RuntimeState
	Request      SolicitudJSON
	VLANs        []int
	VMs          []VM
	CreatedAt    time.Time
	DeployedAt   *time.Time
}

// SecurityGroupRule is one ingress/egress rule within a security group.
type SecurityGroupRule struct {
	ID            int    `json:"id"`
	Direction     string `json:"direction"`
	EtherType     string `json:"ether_type"`
	Protocol      string `json:"protocol"`
	PortRangeMin  int    `json:"port_range_min,omitempty"`
	PortRangeMax  int    `json:"port_range_max,omitempty"`
	RemoteCIDR    string `json:"remote_cidr,omitempty"`
	RemoteSG      string `json:"remote_sg,omitempty"`
	Description   string `json:"description,omitempty"`
	IDOpenStack   string `json:"id_openstack,omitempty"`
}

// SecurityGroup is a per-slice (or template, slice id 0) rule set.
type SecurityGroup struct {
	ID           int
	SliceID      int
	Name         string
	IsDefault    bool
	Description  string
	Rules        []SecurityGroupRule
	ForeignID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ImageStatus is the admission lifecycle of a catalog image.
type ImageStatus string

const (
	ImagePending    ImageStatus = "pending"
	ImageValidated  ImageStatus = "validated"
	ImagePropagated ImageStatus = "propagated"
	ImageRegistered ImageStatus = "registered"
)

// Image is a catalog entry for a VM disk image.
type Image struct {
	ID             int
	Nombre         string
	Descripcion    string
	NombreImagen   string
	Formato        string
	TamanoGB       float64
	TipoImportacion string // "url" | "file"
	IDOpenStack    string
	Status         ImageStatus
	FechaImportacion time.Time
}

// VNCReservation tracks, per worker, the display numbers claimed by one slice.
type VNCReservation struct {
	SliceID int
	Worker  string
	Ports   []int
}

// PlacementEntry is one ledger row: a VM currently accounted against a worker.
type PlacementEntry struct {
	Zone    Zone
	Worker  string
	SliceID int
	VMName  string
	Cores   int
	RAMMiB  int
	DiskGiB int
}
