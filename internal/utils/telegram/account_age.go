package telegram

import (
	"sort"
	"time"
)

type anchor struct {
	userID   int64
	unixTime int64
}

// Known user ids with their registration time, sorted by id.
// Ids are not strictly monotonic in time, interpolation smooths that out.
var anchors = []anchor{
	{2768409, 1383264000},
	{7679610, 1388448000},
	{11538514, 1391212000},
	{15835244, 1392940000},
	{23646077, 1393459000},
	{38015510, 1393632000},
	{44634663, 1399334000},
	{46145305, 1400198000},
	{54845238, 1411257000},
	{63263518, 1414454000},
	{101260938, 1425600000},
	{101323197, 1426204000},
	{103151531, 1433376000},
	{103258382, 1432771000},
	{109393468, 1439078000},
	{111220210, 1429574000},
	{112594714, 1439683000},
	{116812045, 1437696000},
	{122600695, 1437782000},
	{124872445, 1439856000},
	{125828524, 1444003000},
	{130029930, 1441324000},
	{133909606, 1444176000},
	{143445125, 1448928000},
	{148670295, 1452211000},
	{152079341, 1453420000},
	{157242073, 1446768000},
	{171295414, 1457481000},
	{181783990, 1460246000},
	{222021233, 1465344000},
	{225034354, 1466208000},
	{278941742, 1473465000},
	{285253072, 1476835000},
	{294851037, 1479600000},
	{297621225, 1481846000},
	{328594461, 1482969000},
	{337808429, 1487707000},
	{341546272, 1487782000},
	{352940995, 1487894000},
	{369669043, 1490918000},
	{400169472, 1501459000},
	{805158066, 1563208000},
	{1974255900, 1634000000},
}

// EstimateRegistration estimates when a Telegram account was created from its
// user id. Ids outside the table are clamped to its ends. ok is false for
// non-positive ids.
func EstimateRegistration(userID int64) (t time.Time, ok bool) {
	if userID <= 0 {
		return time.Time{}, false
	}
	first, last := anchors[0], anchors[len(anchors)-1]
	switch {
	case userID <= first.userID:
		return time.Unix(first.unixTime, 0).UTC(), true
	case userID >= last.userID:
		return time.Unix(last.unixTime, 0).UTC(), true
	}

	i := sort.Search(len(anchors), func(i int) bool { return anchors[i].userID >= userID })
	hi, lo := anchors[i], anchors[i-1]
	ratio := float64(userID-lo.userID) / float64(hi.userID-lo.userID)
	sec := lo.unixTime + int64(ratio*float64(hi.unixTime-lo.unixTime))
	return time.Unix(sec, 0).UTC(), true
}
