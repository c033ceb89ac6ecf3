package dicom

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag represents a DICOM tag (group, element).
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag in (GGGG,EEEE) format.
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// Hex returns the tag as the 8-character uppercase form used by the DICOM JSON model.
func (t Tag) Hex() string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

func (t Tag) uint32() uint32 {
	return uint32(t.Group)<<16 | uint32(t.Element)
}

func tagFromUint32(v uint32) Tag {
	return Tag{Group: uint16(v >> 16), Element: uint16(v)}
}

// Less orders tags by group, then element.
func (t Tag) Less(o Tag) bool {
	return t.uint32() < o.uint32()
}

// Keyword returns the dictionary keyword for the tag, or "" when unknown.
func (t Tag) Keyword() string {
	if e, ok := dictionary[t]; ok {
		return e.keyword
	}
	return ""
}

// VR returns the dictionary VR for the tag, or VR_UN when unknown.
func (t Tag) VR() string {
	if e, ok := dictionary[t]; ok {
		return e.vr
	}
	return VR_UN
}

// Attribute tags used by the archive's query model.
var (
	SpecificCharacterSet           = Tag{0x0008, 0x0005}
	ImageType                      = Tag{0x0008, 0x0008}
	SOPClassUID                    = Tag{0x0008, 0x0016}
	SOPInstanceUID                 = Tag{0x0008, 0x0018}
	StudyDate                      = Tag{0x0008, 0x0020}
	ContentDate                    = Tag{0x0008, 0x0023}
	StudyTime                      = Tag{0x0008, 0x0030}
	ContentTime                    = Tag{0x0008, 0x0033}
	AccessionNumber                = Tag{0x0008, 0x0050}
	QueryRetrieveLevel             = Tag{0x0008, 0x0052}
	RetrieveAETitle                = Tag{0x0008, 0x0054}
	InstanceAvailability           = Tag{0x0008, 0x0056}
	Modality                       = Tag{0x0008, 0x0060}
	ModalitiesInStudy              = Tag{0x0008, 0x0061}
	SOPClassesInStudy              = Tag{0x0008, 0x0062}
	Manufacturer                   = Tag{0x0008, 0x0070}
	InstitutionName                = Tag{0x0008, 0x0080}
	ReferringPhysicianName         = Tag{0x0008, 0x0090}
	StationName                    = Tag{0x0008, 0x1010}
	StudyDescription               = Tag{0x0008, 0x1030}
	ProcedureCodeSequence          = Tag{0x0008, 0x1032}
	SeriesDescription              = Tag{0x0008, 0x103E}
	PerformingPhysicianName        = Tag{0x0008, 0x1050}
	CodeValue                      = Tag{0x0008, 0x0100}
	CodingSchemeDesignator         = Tag{0x0008, 0x0102}
	CodeMeaning                    = Tag{0x0008, 0x0104}
	PatientName                    = Tag{0x0010, 0x0010}
	PatientID                      = Tag{0x0010, 0x0020}
	IssuerOfPatientID              = Tag{0x0010, 0x0021}
	PatientBirthDate               = Tag{0x0010, 0x0030}
	PatientSex                     = Tag{0x0010, 0x0040}
	OtherPatientIDsSequence        = Tag{0x0010, 0x1002}
	PatientAge                     = Tag{0x0010, 0x1010}
	PatientWeight                  = Tag{0x0010, 0x1030}
	PatientComments                = Tag{0x0010, 0x4000}
	BodyPartExamined               = Tag{0x0018, 0x0015}
	StudyInstanceUID               = Tag{0x0020, 0x000D}
	SeriesInstanceUID              = Tag{0x0020, 0x000E}
	StudyID                        = Tag{0x0020, 0x0010}
	SeriesNumber                   = Tag{0x0020, 0x0011}
	InstanceNumber                 = Tag{0x0020, 0x0013}
	Laterality                     = Tag{0x0020, 0x0060}
	NumberOfPatientRelatedStudies  = Tag{0x0020, 0x1200}
	NumberOfStudyRelatedSeries     = Tag{0x0020, 0x1206}
	NumberOfStudyRelatedInstances  = Tag{0x0020, 0x1208}
	NumberOfSeriesRelatedInstances = Tag{0x0020, 0x1209}
	NumberOfFrames                 = Tag{0x0028, 0x0008}
	Rows                           = Tag{0x0028, 0x0010}
	Columns                        = Tag{0x0028, 0x0011}
	BitsAllocated                  = Tag{0x0028, 0x0100}
)

type dictEntry struct {
	keyword string
	vr      string
}

var dictionary = map[Tag]dictEntry{
	SpecificCharacterSet:           {"SpecificCharacterSet", VR_CS},
	ImageType:                      {"ImageType", VR_CS},
	SOPClassUID:                    {"SOPClassUID", VR_UI},
	SOPInstanceUID:                 {"SOPInstanceUID", VR_UI},
	StudyDate:                      {"StudyDate", VR_DA},
	ContentDate:                    {"ContentDate", VR_DA},
	StudyTime:                      {"StudyTime", VR_TM},
	ContentTime:                    {"ContentTime", VR_TM},
	AccessionNumber:                {"AccessionNumber", VR_SH},
	QueryRetrieveLevel:             {"QueryRetrieveLevel", VR_CS},
	RetrieveAETitle:                {"RetrieveAETitle", VR_AE},
	InstanceAvailability:           {"InstanceAvailability", VR_CS},
	Modality:                       {"Modality", VR_CS},
	ModalitiesInStudy:              {"ModalitiesInStudy", VR_CS},
	SOPClassesInStudy:              {"SOPClassesInStudy", VR_UI},
	Manufacturer:                   {"Manufacturer", VR_LO},
	InstitutionName:                {"InstitutionName", VR_LO},
	ReferringPhysicianName:         {"ReferringPhysicianName", VR_PN},
	StationName:                    {"StationName", VR_SH},
	StudyDescription:               {"StudyDescription", VR_LO},
	ProcedureCodeSequence:          {"ProcedureCodeSequence", VR_SQ},
	SeriesDescription:              {"SeriesDescription", VR_LO},
	PerformingPhysicianName:        {"PerformingPhysicianName", VR_PN},
	CodeValue:                      {"CodeValue", VR_SH},
	CodingSchemeDesignator:         {"CodingSchemeDesignator", VR_SH},
	CodeMeaning:                    {"CodeMeaning", VR_LO},
	PatientName:                    {"PatientName", VR_PN},
	PatientID:                      {"PatientID", VR_LO},
	IssuerOfPatientID:              {"IssuerOfPatientID", VR_LO},
	PatientBirthDate:               {"PatientBirthDate", VR_DA},
	PatientSex:                     {"PatientSex", VR_CS},
	OtherPatientIDsSequence:        {"OtherPatientIDsSequence", VR_SQ},
	PatientAge:                     {"PatientAge", VR_AS},
	PatientWeight:                  {"PatientWeight", VR_DS},
	PatientComments:                {"PatientComments", VR_LT},
	BodyPartExamined:               {"BodyPartExamined", VR_CS},
	StudyInstanceUID:               {"StudyInstanceUID", VR_UI},
	SeriesInstanceUID:              {"SeriesInstanceUID", VR_UI},
	StudyID:                        {"StudyID", VR_SH},
	SeriesNumber:                   {"SeriesNumber", VR_IS},
	InstanceNumber:                 {"InstanceNumber", VR_IS},
	Laterality:                     {"Laterality", VR_CS},
	NumberOfPatientRelatedStudies:  {"NumberOfPatientRelatedStudies", VR_IS},
	NumberOfStudyRelatedSeries:     {"NumberOfStudyRelatedSeries", VR_IS},
	NumberOfStudyRelatedInstances:  {"NumberOfStudyRelatedInstances", VR_IS},
	NumberOfSeriesRelatedInstances: {"NumberOfSeriesRelatedInstances", VR_IS},
	NumberOfFrames:                 {"NumberOfFrames", VR_IS},
	Rows:                           {"Rows", VR_US},
	Columns:                        {"Columns", VR_US},
	BitsAllocated:                  {"BitsAllocated", VR_US},
}

var keywords = func() map[string]Tag {
	m := make(map[string]Tag, len(dictionary))
	for t, e := range dictionary {
		m[e.keyword] = t
	}
	return m
}()

// ParseTag resolves a dictionary keyword ("PatientName") or an 8-digit hex
// tag ("00100010", optionally written "0010,0010").
func ParseTag(s string) (Tag, error) {
	s = strings.TrimSpace(s)
	if t, ok := keywords[s]; ok {
		return t, nil
	}
	hex := strings.NewReplacer(",", "", "(", "", ")", "").Replace(s)
	if len(hex) != 8 {
		return Tag{}, fmt.Errorf("unknown attribute %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return Tag{}, fmt.Errorf("unknown attribute %q", s)
	}
	return tagFromUint32(uint32(v)), nil
}
