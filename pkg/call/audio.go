package call

// AudioDevice внешний аудио тракт. Manager вызывает StartAudio при
// переходе в Established и StopAudio при завершении, каждый не более
// одного раза за звонок.
type AudioDevice interface {
	StartAudio(media Media) error
	StopAudio()
	SetSpeakerMode(on bool)
	SetMuted(muted bool)
}

type noopAudio struct{}

func (noopAudio) StartAudio(Media) error { return nil }
func (noopAudio) StopAudio()             {}
func (noopAudio) SetSpeakerMode(bool)    {}
func (noopAudio) SetMuted(bool)          {}
