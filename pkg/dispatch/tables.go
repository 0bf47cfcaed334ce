package dispatch

// professionNames maps the game's profession ids to display names.
var professionNames = map[uint32]string{
	21: "雷影剑士",
	22: "冰魔导师",
	23: "涤罪恶火_战斧",
	24: "涤罪恶火_战剑",
	25: "核能射手",
	26: "兽化斗士",
}

const unknownProfession = "未知职业"

// ProfessionName returns the display name for a profession id.
func ProfessionName(id uint32) string {
	if name, ok := professionNames[id]; ok {
		return name
	}
	return unknownProfession
}

// elementNames indexes the damage element labels by their wire tag.
var elementNames = []string{
	"None",
	"Fire",
	"Ice",
	"Poison",
	"Thunder",
	"Wind",
	"Rock",
	"Light",
	"Dark",
}

// ElementName returns the label for an element tag.
func ElementName(tag uint32) string {
	if int(tag) < len(elementNames) {
		return elementNames[tag]
	}
	return "Unknown"
}
