package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehr/archive/internal/domain/query"
	"github.com/ehr/archive/internal/platform/dicom"
)

// LoadAttributeFilters reads a YAML file mapping query levels to the
// attributes returned at that level:
//
//	patient: [PatientName, PatientID, "00100032"]
//	study: [StudyDate, StudyInstanceUID]
//
// Levels missing from the file return every stored attribute.
func LoadAttributeFilters(path string) (map[query.Level][]dicom.Tag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attribute filters: %w", err)
	}
	return ParseAttributeFilters(data)
}

// ParseAttributeFilters decodes the YAML form read by LoadAttributeFilters.
func ParseAttributeFilters(data []byte) (map[query.Level][]dicom.Tag, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse attribute filters: %w", err)
	}

	filters := make(map[query.Level][]dicom.Tag, len(raw))
	for name, attrs := range raw {
		level, err := query.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("attribute filters: %w", err)
		}
		tags := make([]dicom.Tag, 0, len(attrs))
		for _, a := range attrs {
			tag, err := dicom.ParseTag(a)
			if err != nil {
				return nil, fmt.Errorf("attribute filters for %s: %w", level, err)
			}
			tags = append(tags, tag)
		}
		filters[level] = tags
	}
	return filters, nil
}

// DefaultAttributeFilters returns the attributes the archive keeps per level
// when no filter file is configured.
func DefaultAttributeFilters() map[query.Level][]dicom.Tag {
	return map[query.Level][]dicom.Tag{
		query.LevelPatient: {
			dicom.SpecificCharacterSet,
			dicom.PatientName,
			dicom.PatientID,
			dicom.IssuerOfPatientID,
			dicom.PatientBirthDate,
			{Group: 0x0010, Element: 0x0032}, // PatientBirthTime
			dicom.PatientSex,
			dicom.OtherPatientIDsSequence,
			{Group: 0x0010, Element: 0x1001}, // OtherPatientNames
			dicom.PatientAge,
			dicom.PatientWeight,
			{Group: 0x0010, Element: 0x2160}, // EthnicGroup
			dicom.PatientComments,
		},
		query.LevelStudy: {
			dicom.SpecificCharacterSet,
			dicom.StudyDate,
			dicom.StudyTime,
			dicom.AccessionNumber,
			dicom.ReferringPhysicianName,
			dicom.StudyDescription,
			dicom.ProcedureCodeSequence,
			dicom.PatientAge,
			dicom.PatientWeight,
			dicom.StudyInstanceUID,
			dicom.StudyID,
		},
		query.LevelSeries: {
			dicom.SpecificCharacterSet,
			dicom.Modality,
			dicom.Manufacturer,
			dicom.InstitutionName,
			dicom.StationName,
			dicom.SeriesDescription,
			dicom.PerformingPhysicianName,
			dicom.BodyPartExamined,
			dicom.SeriesInstanceUID,
			dicom.SeriesNumber,
			dicom.Laterality,
		},
		query.LevelInstance: {
			dicom.SpecificCharacterSet,
			dicom.ImageType,
			dicom.SOPClassUID,
			dicom.SOPInstanceUID,
			dicom.ContentDate,
			dicom.ContentTime,
			dicom.InstanceNumber,
			dicom.NumberOfFrames,
			dicom.Rows,
			dicom.Columns,
			dicom.BitsAllocated,
		},
	}
}
