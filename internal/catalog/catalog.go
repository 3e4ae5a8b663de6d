// Package catalog holds the fixed track and car reference lists.
package catalog

import (
	"github.com/samber/lo"
)

// CarClass is the racing class of a car
type CarClass string

const (
	ClassGT3 CarClass = "GT3"
	ClassGT4 CarClass = "GT4"
	ClassTCX CarClass = "TCX"
	ClassCUP CarClass = "CUP"
)

// Track is a circuit laps can be recorded on
type Track struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
	Length  string `json:"length"`
}

// Car is a car laps can be recorded with
type Car struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Class CarClass `json:"class"`
	Brand string   `json:"brand"`
}

var tracks = []Track{
	{ID: "monza", Name: "Monza Circuit", Country: "Italy", Length: "5.793 km"},
	{ID: "spa", Name: "Spa-Francorchamps", Country: "Belgium", Length: "7.004 km"},
	{ID: "nurburgring", Name: "Nürburgring GP", Country: "Germany", Length: "5.148 km"},
	{ID: "silverstone", Name: "Silverstone", Country: "UK", Length: "5.891 km"},
	{ID: "brands_hatch", Name: "Brands Hatch", Country: "UK", Length: "3.916 km"},
	{ID: "zandvoort", Name: "Zandvoort", Country: "Netherlands", Length: "4.259 km"},
	{ID: "misano", Name: "Misano World Circuit", Country: "Italy", Length: "4.226 km"},
	{ID: "paul_ricard", Name: "Paul Ricard", Country: "France", Length: "5.771 km"},
	{ID: "barcelona", Name: "Circuit de Barcelona-Catalunya", Country: "Spain", Length: "4.655 km"},
	{ID: "hungaroring", Name: "Hungaroring", Country: "Hungary", Length: "4.381 km"},
	{ID: "imola", Name: "Imola", Country: "Italy", Length: "4.909 km"},
	{ID: "mount_panorama", Name: "Mount Panorama (Bathurst)", Country: "Australia", Length: "6.213 km"},
	{ID: "suzuka", Name: "Suzuka Circuit", Country: "Japan", Length: "5.807 km"},
	{ID: "kyalami", Name: "Kyalami Grand Prix Circuit", Country: "South Africa", Length: "4.529 km"},
	{ID: "laguna_seca", Name: "Laguna Seca", Country: "USA", Length: "3.602 km"},
	{ID: "cota", Name: "Circuit of the Americas", Country: "USA", Length: "5.513 km"},
	{ID: "watkins_glen", Name: "Watkins Glen", Country: "USA", Length: "5.552 km"},
	{ID: "indianapolis", Name: "Indianapolis", Country: "USA", Length: "3.925 km"},
	{ID: "oulton_park", Name: "Oulton Park", Country: "UK", Length: "4.307 km"},
	{ID: "snetterton", Name: "Snetterton", Country: "UK", Length: "4.779 km"},
	{ID: "donington", Name: "Donington Park", Country: "UK", Length: "4.020 km"},
	{ID: "valencia", Name: "Valencia", Country: "Spain", Length: "4.005 km"},
	{ID: "red_bull_ring", Name: "Red Bull Ring", Country: "Austria", Length: "4.318 km"},
}

var cars = []Car{
	{ID: "ferrari_296_gt3", Name: "Ferrari 296 GT3", Class: ClassGT3, Brand: "Ferrari"},
	{ID: "porsche_992_gt3r", Name: "Porsche 911 (992) GT3 R", Class: ClassGT3, Brand: "Porsche"},
	{ID: "lamborghini_huracan_evo2", Name: "Lamborghini Huracán GT3 EVO2", Class: ClassGT3, Brand: "Lamborghini"},
	{ID: "amg_gt3_evo", Name: "Mercedes-AMG GT3 Evo", Class: ClassGT3, Brand: "Mercedes"},
	{ID: "bmw_m4_gt3", Name: "BMW M4 GT3", Class: ClassGT3, Brand: "BMW"},
	{ID: "audi_r8_lms_evo2", Name: "Audi R8 LMS Evo II", Class: ClassGT3, Brand: "Audi"},
	{ID: "mclaren_720s_evo", Name: "McLaren 720S GT3 Evo", Class: ClassGT3, Brand: "McLaren"},
	{ID: "aston_martin_vantage_amr_gt3", Name: "Aston Martin V8 Vantage GT3", Class: ClassGT3, Brand: "Aston Martin"},
	{ID: "honda_nsx_gt3_evo", Name: "Honda NSX GT3 Evo", Class: ClassGT3, Brand: "Honda"},
	{ID: "bentley_continental_gt3_2018", Name: "Bentley Continental GT3 2018", Class: ClassGT3, Brand: "Bentley"},
	{ID: "lexus_rc_f_gt3", Name: "Lexus RC F GT3", Class: ClassGT3, Brand: "Lexus"},
	{ID: "nissan_gt_r_nismo_gt3_2018", Name: "Nissan GT-R Nismo GT3 2018", Class: ClassGT3, Brand: "Nissan"},
	{ID: "ford_mustang_gt3", Name: "Ford Mustang GT3", Class: ClassGT3, Brand: "Ford"},
	{ID: "alpine_a110_gt4", Name: "Alpine A110 GT4", Class: ClassGT4, Brand: "Alpine"},
	{ID: "aston_martin_vantage_gt4", Name: "Aston Martin Vantage GT4", Class: ClassGT4, Brand: "Aston Martin"},
	{ID: "audi_r8_lms_gt4", Name: "Audi R8 LMS GT4", Class: ClassGT4, Brand: "Audi"},
	{ID: "bmw_m4_gt4", Name: "BMW M4 GT4", Class: ClassGT4, Brand: "BMW"},
	{ID: "chevrolet_camaro_gt4r", Name: "Chevrolet Camaro GT4.R", Class: ClassGT4, Brand: "Chevrolet"},
	{ID: "ginetta_g55_gt4", Name: "Ginetta G55 GT4", Class: ClassGT4, Brand: "Ginetta"},
	{ID: "ktm_xbow_gt4", Name: "KTM X-Bow GT4", Class: ClassGT4, Brand: "KTM"},
	{ID: "maserati_granturismo_mc_gt4", Name: "Maserati GranTurismo MC GT4", Class: ClassGT4, Brand: "Maserati"},
	{ID: "mclaren_570s_gt4", Name: "McLaren 570S GT4", Class: ClassGT4, Brand: "McLaren"},
	{ID: "mercedes_amg_gt4", Name: "Mercedes-AMG GT4", Class: ClassGT4, Brand: "Mercedes"},
	{ID: "porsche_718_cayman_gt4_clubsport", Name: "Porsche 718 Cayman GT4 Clubsport", Class: ClassGT4, Brand: "Porsche"},
	{ID: "toyota_gr_supra_gt4", Name: "Toyota GR Supra GT4", Class: ClassGT4, Brand: "Toyota"},
	{ID: "porsche_992_gt3_cup", Name: "Porsche 911 (992) GT3 Cup", Class: ClassCUP, Brand: "Porsche"},
	{ID: "ferrari_488_challenge_evo", Name: "Ferrari 488 Challenge Evo", Class: ClassCUP, Brand: "Ferrari"},
	{ID: "lamborghini_huracan_super_trofeo_evo2", Name: "Lamborghini Huracán Super Trofeo EVO2", Class: ClassCUP, Brand: "Lamborghini"},
	{ID: "bmw_m2_cs_racing", Name: "BMW M2 CS Racing", Class: ClassTCX, Brand: "BMW"},
}

var (
	trackIndex = lo.KeyBy(tracks, func(t Track) string { return t.ID })
	carIndex   = lo.KeyBy(cars, func(c Car) string { return c.ID })
)

// Tracks returns all tracks in display order
func Tracks() []Track {
	out := make([]Track, len(tracks))
	copy(out, tracks)
	return out
}

// Cars returns all cars in display order
func Cars() []Car {
	out := make([]Car, len(cars))
	copy(out, cars)
	return out
}

// TrackIDs returns the ids of all tracks
func TrackIDs() []string {
	return lo.Map(tracks, func(t Track, _ int) string { return t.ID })
}

// TrackByID looks up a track
func TrackByID(id string) (Track, bool) {
	t, ok := trackIndex[id]
	return t, ok
}

// CarByID looks up a car
func CarByID(id string) (Car, bool) {
	c, ok := carIndex[id]
	return c, ok
}

// IsTrack reports whether id names a known track
func IsTrack(id string) bool {
	_, ok := trackIndex[id]
	return ok
}

// IsCar reports whether id names a known car
func IsCar(id string) bool {
	_, ok := carIndex[id]
	return ok
}

// CarsByClass returns the cars of one class
func CarsByClass(class CarClass) []Car {
	return lo.Filter(cars, func(c Car, _ int) bool { return c.Class == class })
}
